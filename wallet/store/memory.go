// Package store provides an in-memory wallet.TxStore for tests and dev.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/twezimbe/bf-ledger/wallet"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type ownerKey struct {
	Type wallet.OwnerType
	Ref  string
}

type Memory struct {
	mu        sync.Mutex
	wallets   map[wallet.Address]wallet.Wallet
	owners    map[ownerKey]wallet.Address
	order     []wallet.Address
	log       []wallet.Transaction
	sequences map[string]int64

	// failAppend, when set, is consulted before every log append.
	failAppend func(wallet.Transaction) error
}

func NewMemory() *Memory {
	return &Memory{
		wallets:   make(map[wallet.Address]wallet.Wallet),
		owners:    make(map[ownerKey]wallet.Address),
		sequences: make(map[string]int64),
	}
}

// InjectFailure makes AppendTransaction return fn's error when non-nil.
// Pass nil to clear.
func (m *Memory) InjectFailure(fn func(wallet.Transaction) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppend = fn
}

// SetSequence moves a scope's counter so the next value is n+1.
func (m *Memory) SetSequence(scope string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[scope] = n
}

func (m *Memory) Next(_ context.Context, scope string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked(scope), nil
}

func (m *Memory) InsertWallet(_ context.Context, w wallet.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(w)
}

func (m *Memory) GetWallet(_ context.Context, address wallet.Address) (*wallet.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(address)
}

func (m *Memory) GetWalletByOwner(_ context.Context, ownerType wallet.OwnerType, ownerRef string) (*wallet.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getByOwnerLocked(ownerType, ownerRef)
}

func (m *Memory) ListWallets(_ context.Context) ([]wallet.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(), nil
}

func (m *Memory) UpdateBalance(_ context.Context, address wallet.Address, balance decimal.Decimal, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(address, balance, expectedVersion)
}

func (m *Memory) AppendTransaction(_ context.Context, tx wallet.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) History(_ context.Context, address wallet.Address) ([]wallet.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyLocked(address), nil
}

func (m *Memory) Transactions(_ context.Context, filter wallet.TxFilter) ([]wallet.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLocked(filter), nil
}

func (m *Memory) DeleteWallet(_ context.Context, address wallet.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(address)
}

// =============================================================================
// LOCKED HELPERS
// =============================================================================

func (m *Memory) nextLocked(scope string) int64 {
	m.sequences[scope]++
	return m.sequences[scope]
}

func (m *Memory) insertLocked(w wallet.Wallet) error {
	if _, ok := m.wallets[w.Address]; ok {
		return fmt.Errorf("%w: %s", wallet.ErrDuplicateAddress, w.Address)
	}
	k := ownerKey{Type: w.OwnerType, Ref: w.OwnerRef}
	if _, ok := m.owners[k]; ok {
		return fmt.Errorf("%w: %s %s", wallet.ErrDuplicateWallet, w.OwnerType, w.OwnerRef)
	}
	w.History = nil
	m.wallets[w.Address] = w
	m.owners[k] = w.Address
	m.order = append(m.order, w.Address)
	return nil
}

func (m *Memory) getLocked(address wallet.Address) (*wallet.Wallet, error) {
	w, ok := m.wallets[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, address)
	}
	return &w, nil
}

func (m *Memory) getByOwnerLocked(ownerType wallet.OwnerType, ownerRef string) (*wallet.Wallet, error) {
	addr, ok := m.owners[ownerKey{Type: ownerType, Ref: ownerRef}]
	if !ok {
		return nil, fmt.Errorf("%w: owner %s %s", wallet.ErrWalletNotFound, ownerType, ownerRef)
	}
	return m.getLocked(addr)
}

func (m *Memory) listLocked() []wallet.Wallet {
	out := make([]wallet.Wallet, 0, len(m.order))
	for _, addr := range m.order {
		out = append(out, m.wallets[addr])
	}
	return out
}

func (m *Memory) updateLocked(address wallet.Address, balance decimal.Decimal, expectedVersion int64) error {
	w, ok := m.wallets[address]
	if !ok {
		return fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, address)
	}
	if w.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d",
			wallet.ErrConcurrentModification, address, w.Version, expectedVersion)
	}
	w.Balance = balance
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	m.wallets[address] = w
	return nil
}

func (m *Memory) appendLocked(tx wallet.Transaction) error {
	if m.failAppend != nil {
		if err := m.failAppend(tx); err != nil {
			return err
		}
	}
	m.log = append(m.log, tx)
	return nil
}

func (m *Memory) historyLocked(address wallet.Address) []wallet.Transaction {
	out := []wallet.Transaction{}
	for _, tx := range m.log {
		if tx.WalletAddress == address {
			out = append(out, tx)
		}
	}
	return out
}

func (m *Memory) filterLocked(f wallet.TxFilter) []wallet.Transaction {
	out := []wallet.Transaction{}
	for _, tx := range m.log {
		if f.Wallet != "" && tx.WalletAddress != f.Wallet {
			continue
		}
		if f.Actor != "" && tx.Actor != f.Actor {
			continue
		}
		out = append(out, tx)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (m *Memory) deleteLocked(address wallet.Address) error {
	w, ok := m.wallets[address]
	if !ok {
		return fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, address)
	}
	delete(m.wallets, address)
	delete(m.owners, ownerKey{Type: w.OwnerType, Ref: w.OwnerRef})
	for i, a := range m.order {
		if a == address {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialised by the store mutex.
func (tm *TxMemory) WithTx(_ context.Context, fn func(wallet.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	wallets map[wallet.Address]wallet.Wallet
	owners  map[ownerKey]wallet.Address
	order   []wallet.Address
	log     []wallet.Transaction
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		wallets: make(map[wallet.Address]wallet.Wallet, len(tm.wallets)),
		owners:  make(map[ownerKey]wallet.Address, len(tm.owners)),
		order:   append([]wallet.Address{}, tm.order...),
		log:     append([]wallet.Transaction{}, tm.log...),
	}
	for k, v := range tm.wallets {
		s.wallets[k] = v
	}
	for k, v := range tm.owners {
		s.owners[k] = v
	}
	return s
}

// restore rolls back everything except sequences: counters, like database
// sequences, are not returned on rollback.
func (tm *TxMemory) restore(s memorySnapshot) {
	tm.wallets = s.wallets
	tm.owners = s.owners
	tm.order = s.order
	tm.log = s.log
}

// txMemoryView runs against the parent with its lock already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Next(_ context.Context, scope string) (int64, error) {
	return tv.parent.nextLocked(scope), nil
}

func (tv *txMemoryView) InsertWallet(_ context.Context, w wallet.Wallet) error {
	return tv.parent.insertLocked(w)
}

func (tv *txMemoryView) GetWallet(_ context.Context, address wallet.Address) (*wallet.Wallet, error) {
	return tv.parent.getLocked(address)
}

func (tv *txMemoryView) GetWalletByOwner(_ context.Context, ownerType wallet.OwnerType, ownerRef string) (*wallet.Wallet, error) {
	return tv.parent.getByOwnerLocked(ownerType, ownerRef)
}

func (tv *txMemoryView) ListWallets(_ context.Context) ([]wallet.Wallet, error) {
	return tv.parent.listLocked(), nil
}

func (tv *txMemoryView) UpdateBalance(_ context.Context, address wallet.Address, balance decimal.Decimal, expectedVersion int64) error {
	return tv.parent.updateLocked(address, balance, expectedVersion)
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx wallet.Transaction) error {
	return tv.parent.appendLocked(tx)
}

func (tv *txMemoryView) History(_ context.Context, address wallet.Address) ([]wallet.Transaction, error) {
	return tv.parent.historyLocked(address), nil
}

func (tv *txMemoryView) Transactions(_ context.Context, filter wallet.TxFilter) ([]wallet.Transaction, error) {
	return tv.parent.filterLocked(filter), nil
}

func (tv *txMemoryView) DeleteWallet(_ context.Context, address wallet.Address) error {
	return tv.parent.deleteLocked(address)
}
