/*
address.go - Wallet address generation

FORMAT:
  DDMM + CODE + SEQUENCE, e.g. "0101BF00001"
  - DDMM:     day and month of the generator clock
  - CODE:     owner code, upper-cased, left-padded with '0' to CodeWidth
  - SEQUENCE: counter value zero-padded to SequenceWidth

SEQUENCE SCOPE:
  Counters are keyed by DDMM+CODE. They never reset, so the same day next
  year continues from where it stopped and addresses stay unique without a
  year component. Numbers within a scope are strictly increasing.

OVERFLOW:
  Past 10^SequenceWidth-1 the sequence simply grows a digit. The prefix is
  fixed width, so a longer address cannot collide with a shorter one.

UNIQUENESS:
  The counter alone is not trusted: stores reject duplicate addresses and
  Ledger.CreateWallet retries with the next number (see ledger.go).
*/
package wallet

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultCodeWidth     = 2
	DefaultSequenceWidth = 5
)

// AddressGenerator builds addresses from a clock and a Sequencer.
type AddressGenerator struct {
	Now           func() time.Time
	CodeWidth     int
	SequenceWidth int
}

func NewAddressGenerator() *AddressGenerator {
	return &AddressGenerator{
		Now:           time.Now,
		CodeWidth:     DefaultCodeWidth,
		SequenceWidth: DefaultSequenceWidth,
	}
}

// Scope returns the counter scope for code at the current clock time.
func (g *AddressGenerator) Scope(code string) (string, error) {
	c, err := normalizeCode(code, g.codeWidth())
	if err != nil {
		return "", err
	}
	return g.now().Format("0201") + c, nil
}

// Generate allocates the next sequence number for code and formats the
// address.
func (g *AddressGenerator) Generate(ctx context.Context, seq Sequencer, code string) (Address, error) {
	scope, err := g.Scope(code)
	if err != nil {
		return "", err
	}
	n, err := seq.Next(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("allocate sequence for %s: %w", scope, err)
	}
	return FormatAddress(scope, n, g.sequenceWidth()), nil
}

// FormatAddress joins a scope and a sequence number.
func FormatAddress(scope string, n int64, width int) Address {
	return Address(fmt.Sprintf("%s%0*d", scope, width, n))
}

// SplitAddress is the inverse of FormatAddress for a given code width.
func SplitAddress(a Address, codeWidth int) (scope string, n int64, err error) {
	prefix := 4 + codeWidth
	if len(a) <= prefix {
		return "", 0, fmt.Errorf("%w: address %q too short", ErrInvalidOwnerCode, a)
	}
	n, err = strconv.ParseInt(string(a[prefix:]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: address %q has no sequence", ErrInvalidOwnerCode, a)
	}
	return string(a[:prefix]), n, nil
}

func normalizeCode(code string, width int) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" || len(c) > width {
		return "", fmt.Errorf("%w: %q must be 1-%d characters", ErrInvalidOwnerCode, code, width)
	}
	for _, r := range c {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q must be alphanumeric", ErrInvalidOwnerCode, code)
		}
	}
	return strings.Repeat("0", width-len(c)) + c, nil
}

func (g *AddressGenerator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

func (g *AddressGenerator) codeWidth() int {
	if g.CodeWidth <= 0 {
		return DefaultCodeWidth
	}
	return g.CodeWidth
}

func (g *AddressGenerator) sequenceWidth() int {
	if g.SequenceWidth <= 0 {
		return DefaultSequenceWidth
	}
	return g.SequenceWidth
}
