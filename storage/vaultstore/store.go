package vaultstore

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"

	"github.com/beradigm/bao-contracts/native/vault"
	"github.com/beradigm/bao-contracts/storage"
)

var (
	ledgerKey   = []byte("vault/ledger")
	snapshotKey = []byte("vault/allocation-snapshot")
)

// ErrNotFound is returned when no record has been persisted under a key yet.
var ErrNotFound = errors.New("vaultstore: record not found")

// Store persists ledger snapshots and the finalization record in a key-value
// backend. Payloads are RLP encoded.
type Store struct {
	db storage.Database
}

func New(db storage.Database) *Store {
	return &Store{db: db}
}

// storedAllocation mirrors vault.Allocation with RLP-safe field types.
type storedAllocation struct {
	Addr        [20]byte
	Index       uint32
	BalanceUSD  *big.Int
	AdjustedUSD *big.Int
	Shares      *big.Int
}

type storedSnapshot struct {
	ID               [32]byte
	TotalAdjustedUSD *big.Int
	TotalShares      *big.Int
	FinalizedAt      uint64
	Allocations      []storedAllocation
}

// SaveLedger overwrites the persisted ledger snapshot.
func (s *Store) SaveLedger(state *vault.LedgerState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("vaultstore: store not initialised")
	}
	if state == nil {
		return fmt.Errorf("vaultstore: nil ledger state")
	}
	encoded, err := rlp.EncodeToBytes(state)
	if err != nil {
		return fmt.Errorf("vaultstore: encode ledger: %w", err)
	}
	return s.db.Put(ledgerKey, encoded)
}

// LoadLedger returns the persisted ledger snapshot, or ErrNotFound when the
// store is empty.
func (s *Store) LoadLedger() (*vault.LedgerState, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("vaultstore: store not initialised")
	}
	raw, err := s.db.Get(ledgerKey)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	state := new(vault.LedgerState)
	if err := rlp.DecodeBytes(raw, state); err != nil {
		return nil, fmt.Errorf("vaultstore: decode ledger: %w", err)
	}
	return state, nil
}

// SaveSnapshot persists the finalization record. It refuses to overwrite an
// existing record because finalization happens exactly once.
func (s *Store) SaveSnapshot(snapshot *vault.AllocationSnapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("vaultstore: store not initialised")
	}
	if snapshot == nil {
		return fmt.Errorf("vaultstore: nil snapshot")
	}
	if _, err := s.LoadSnapshot(); err == nil {
		return fmt.Errorf("vaultstore: allocation snapshot already persisted")
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	stored := storedSnapshot{
		ID:               snapshot.ID,
		TotalAdjustedUSD: snapshot.TotalAdjustedUSD,
		TotalShares:      snapshot.TotalShares,
	}
	if snapshot.FinalizedAt > 0 {
		stored.FinalizedAt = uint64(snapshot.FinalizedAt)
	}
	for _, alloc := range snapshot.Allocations {
		stored.Allocations = append(stored.Allocations, storedAllocation{
			Addr:        alloc.Addr,
			Index:       alloc.Index,
			BalanceUSD:  alloc.BalanceUSD,
			AdjustedUSD: alloc.AdjustedUSD,
			Shares:      alloc.Shares,
		})
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("vaultstore: encode snapshot: %w", err)
	}
	return s.db.Put(snapshotKey, encoded)
}

// LoadSnapshot returns the persisted finalization record, or ErrNotFound when
// the round has not been finalized.
func (s *Store) LoadSnapshot() (*vault.AllocationSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("vaultstore: store not initialised")
	}
	raw, err := s.db.Get(snapshotKey)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	stored := new(storedSnapshot)
	if err := rlp.DecodeBytes(raw, stored); err != nil {
		return nil, fmt.Errorf("vaultstore: decode snapshot: %w", err)
	}
	snapshot := &vault.AllocationSnapshot{
		ID:               stored.ID,
		TotalAdjustedUSD: stored.TotalAdjustedUSD,
		TotalShares:      stored.TotalShares,
		FinalizedAt:      int64(stored.FinalizedAt),
	}
	for _, alloc := range stored.Allocations {
		snapshot.Allocations = append(snapshot.Allocations, vault.Allocation{
			Addr:        alloc.Addr,
			Index:       alloc.Index,
			BalanceUSD:  alloc.BalanceUSD,
			AdjustedUSD: alloc.AdjustedUSD,
			Shares:      alloc.Shares,
		})
	}
	return snapshot, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ldberrors.ErrNotFound) || err.Error() == "key not found"
}
