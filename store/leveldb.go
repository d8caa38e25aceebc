package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cintara-network/bridge-core/types"
)

// Key layout:
//
//	r<txHash>          -> BurnRecord (json)
//	a<addr><txHash>    -> nil, address index
//	h<height><txHash>  -> nil, credited-height index (height big-endian
//	                      so iteration order follows height order)
//	b<addr>            -> balance, 8 bytes big-endian
//	m:supply           -> total supply
//	m:burned           -> total burned
//	m:count            -> record count
//	m:l1head           -> watcher scan cursor
var (
	prefixRecord  = []byte("r")
	prefixAddr    = []byte("a")
	prefixHeight  = []byte("h")
	prefixBalance = []byte("b")

	keySupply = []byte("m:supply")
	keyBurned = []byte("m:burned")
	keyCount  = []byte("m:count")
	keyL1Head = []byte("m:l1head")
)

// LevelDB is an embedded Store backend. All mutations go through a single
// write batch guarded by one mutex, which gives the record/balance/supply
// triple its atomicity.
type LevelDB struct {
	db     *leveldb.DB
	mu     sync.Mutex
	logger *slog.Logger
}

type LevelDBOpts struct {
	Path   string
	Logger *slog.Logger
}

func NewLevelDB(opts LevelDBOpts) (*LevelDB, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	db, err := leveldb.OpenFile(opts.Path, &opt.Options{})
	if err != nil {
		if ldberrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(opts.Path, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb at %s: %w", opts.Path, err)
		}
	}
	return &LevelDB{db: db, logger: opts.Logger}, nil
}

// NewMemory opens a LevelDB store over in-memory storage. Used by tests and
// throwaway nodes; same code path as the on-disk backend.
func NewMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory leveldb: %w", err)
	}
	return &LevelDB{db: db, logger: slog.Default()}, nil
}

func recordKey(h common.Hash) []byte {
	return append(append([]byte{}, prefixRecord...), h[:]...)
}

func addrKey(a common.Address, h common.Hash) []byte {
	k := append(append([]byte{}, prefixAddr...), a[:]...)
	return append(k, h[:]...)
}

func heightKey(height uint64, h common.Hash) []byte {
	k := append([]byte{}, prefixHeight...)
	k = binary.BigEndian.AppendUint64(k, height)
	return append(k, h[:]...)
}

func balanceKey(a common.Address) []byte {
	return append(append([]byte{}, prefixBalance...), a[:]...)
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// getUint64 treats a missing key as zero.
func (s *LevelDB) getUint64(key []byte) (uint64, error) {
	raw, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt counter at %q: %d bytes", key, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *LevelDB) ApplyCredit(_ context.Context, rec types.BurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.db.Has(recordKey(rec.TxHash), nil)
	if err != nil {
		return fmt.Errorf("failed to check burn record: %w", err)
	}
	if exists {
		return ErrAlreadyExists
	}

	balance, err := s.getUint64(balanceKey(rec.Recipient))
	if err != nil {
		return err
	}
	supply, err := s.getUint64(keySupply)
	if err != nil {
		return err
	}
	burned, err := s.getUint64(keyBurned)
	if err != nil {
		return err
	}
	count, err := s.getUint64(keyCount)
	if err != nil {
		return err
	}
	if supply+rec.Amount < supply || balance+rec.Amount < balance {
		return fmt.Errorf("credit of %d overflows", rec.Amount)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode burn record: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(recordKey(rec.TxHash), raw)
	batch.Put(addrKey(rec.Recipient, rec.TxHash), nil)
	batch.Put(heightKey(rec.CreditedAt, rec.TxHash), nil)
	batch.Put(balanceKey(rec.Recipient), encodeUint64(balance+rec.Amount))
	batch.Put(keySupply, encodeUint64(supply+rec.Amount))
	batch.Put(keyBurned, encodeUint64(burned+rec.Amount))
	batch.Put(keyCount, encodeUint64(count+1))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write credit batch: %w", err)
	}
	return nil
}

func (s *LevelDB) RevertCreditsFrom(_ context.Context, height uint64) ([]types.BurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// collect every record credited at or above the rollback height
	var hashes []common.Hash
	iter := s.db.NewIterator(&util.Range{
		Start: heightKey(height, common.Hash{}),
		Limit: append([]byte{}, prefixHeight[0]+1),
	}, nil)
	for iter.Next() {
		key := iter.Key()
		var h common.Hash
		copy(h[:], key[len(prefixHeight)+8:])
		hashes = append(hashes, h)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan height index: %w", err)
	}

	removed := make([]types.BurnRecord, 0, len(hashes))
	for _, h := range hashes {
		rec, err := s.getRecord(h)
		if err != nil {
			return removed, err
		}

		balance, err := s.getUint64(balanceKey(rec.Recipient))
		if err != nil {
			return removed, err
		}
		supply, err := s.getUint64(keySupply)
		if err != nil {
			return removed, err
		}
		burned, err := s.getUint64(keyBurned)
		if err != nil {
			return removed, err
		}
		count, err := s.getUint64(keyCount)
		if err != nil {
			return removed, err
		}
		if balance < rec.Amount || supply < rec.Amount || burned < rec.Amount || count == 0 {
			return removed, fmt.Errorf("revert of %s underflows state", rec.TxHash.Hex())
		}

		batch := new(leveldb.Batch)
		batch.Delete(recordKey(rec.TxHash))
		batch.Delete(addrKey(rec.Recipient, rec.TxHash))
		batch.Delete(heightKey(rec.CreditedAt, rec.TxHash))
		batch.Put(balanceKey(rec.Recipient), encodeUint64(balance-rec.Amount))
		batch.Put(keySupply, encodeUint64(supply-rec.Amount))
		batch.Put(keyBurned, encodeUint64(burned-rec.Amount))
		batch.Put(keyCount, encodeUint64(count-1))

		if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
			return removed, fmt.Errorf("failed to revert credit %s: %w", rec.TxHash.Hex(), err)
		}
		removed = append(removed, *rec)
	}

	if len(removed) > 0 {
		s.logger.Info("reverted credits", "fromHeight", height, "count", len(removed))
	}
	return removed, nil
}

func (s *LevelDB) getRecord(h common.Hash) (*types.BurnRecord, error) {
	raw, err := s.db.Get(recordKey(h), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read burn record: %w", err)
	}
	var rec types.BurnRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode burn record: %w", err)
	}
	return &rec, nil
}

func (s *LevelDB) GetBurnRecord(_ context.Context, txHash common.Hash) (*types.BurnRecord, error) {
	return s.getRecord(txHash)
}

func (s *LevelDB) HasBurnRecord(_ context.Context, txHash common.Hash) (bool, error) {
	ok, err := s.db.Has(recordKey(txHash), nil)
	if err != nil {
		return false, fmt.Errorf("failed to check burn record: %w", err)
	}
	return ok, nil
}

func (s *LevelDB) BurnRecordsByAddress(_ context.Context, addr common.Address) ([]types.BurnRecord, error) {
	prefix := append(append([]byte{}, prefixAddr...), addr[:]...)

	var records []types.BurnRecord
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for iter.Next() {
		var h common.Hash
		copy(h[:], iter.Key()[len(prefix):])
		rec, err := s.getRecord(h)
		if err != nil {
			iter.Release()
			return nil, err
		}
		records = append(records, *rec)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan address index: %w", err)
	}
	return records, nil
}

func (s *LevelDB) BurnRecordsInRange(_ context.Context, from, to uint64) ([]types.BurnRecord, error) {
	if to < from {
		return nil, nil
	}

	rng := &util.Range{Start: heightKey(from, common.Hash{})}
	if to < ^uint64(0) {
		rng.Limit = heightKey(to+1, common.Hash{})
	} else {
		rng.Limit = []byte{prefixHeight[0] + 1}
	}

	var records []types.BurnRecord
	iter := s.db.NewIterator(rng, nil)
	for iter.Next() {
		var h common.Hash
		copy(h[:], iter.Key()[len(prefixHeight)+8:])
		rec, err := s.getRecord(h)
		if err != nil {
			iter.Release()
			return nil, err
		}
		records = append(records, *rec)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan height index: %w", err)
	}
	return records, nil
}

func (s *LevelDB) TotalBurned(_ context.Context) (uint64, error) {
	return s.getUint64(keyBurned)
}

func (s *LevelDB) BurnCount(_ context.Context) (uint64, error) {
	return s.getUint64(keyCount)
}

func (s *LevelDB) Balance(_ context.Context, addr common.Address) (uint64, error) {
	return s.getUint64(balanceKey(addr))
}

func (s *LevelDB) TotalSupply(_ context.Context) (uint64, error) {
	return s.getUint64(keySupply)
}

func (s *LevelDB) SumBalances(_ context.Context) (uint64, error) {
	var sum uint64
	iter := s.db.NewIterator(util.BytesPrefix(prefixBalance), nil)
	for iter.Next() {
		if len(iter.Value()) != 8 {
			iter.Release()
			return 0, fmt.Errorf("corrupt balance entry")
		}
		v := binary.BigEndian.Uint64(iter.Value())
		if sum+v < sum {
			iter.Release()
			return 0, fmt.Errorf("balance sum overflows")
		}
		sum += v
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed to scan balances: %w", err)
	}
	return sum, nil
}

func (s *LevelDB) Transfer(_ context.Context, from, to common.Address, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fromBal, err := s.getUint64(balanceKey(from))
	if err != nil {
		return err
	}
	if fromBal < amount {
		return ErrInsufficientBalance
	}
	toBal, err := s.getUint64(balanceKey(to))
	if err != nil {
		return err
	}
	if toBal+amount < toBal {
		return fmt.Errorf("transfer of %d overflows recipient balance", amount)
	}

	batch := new(leveldb.Batch)
	batch.Put(balanceKey(from), encodeUint64(fromBal-amount))
	batch.Put(balanceKey(to), encodeUint64(toBal+amount))
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write transfer batch: %w", err)
	}
	return nil
}

func (s *LevelDB) LastObservedL1Block(_ context.Context) (uint64, error) {
	return s.getUint64(keyL1Head)
}

func (s *LevelDB) SetLastObservedL1Block(_ context.Context, height uint64) error {
	if err := s.db.Put(keyL1Head, encodeUint64(height), nil); err != nil {
		return fmt.Errorf("failed to store l1 cursor: %w", err)
	}
	return nil
}

func (s *LevelDB) Close(_ context.Context) error {
	return s.db.Close()
}
