package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cintara-network/bridge-core/types"
)

// Mongo is a Store backend for deployments that already run a replica set.
// The credit triple is wrapped in a session transaction; the unique index
// on tx_hash makes the record insert first-writer-wins.
type Mongo struct {
	client       *mongo.Client
	databaseName string
	logger       *slog.Logger
}

type MongoOpts struct {
	URI          string
	DatabaseName string
	Logger       *slog.Logger
}

const (
	collRecords  = "burn_records"
	collBalances = "balances"
	collMeta     = "meta"

	metaStateID = "state"

	defaultMongoTimeout = 10 * time.Second
)

type burnRecordDoc struct {
	TxHash     string `bson:"tx_hash"`
	Recipient  string `bson:"recipient"`
	Amount     int64  `bson:"amount"`
	CreditedAt int64  `bson:"credited_at"`
	RecordedAt int64  `bson:"recorded_at"`
}

func toDoc(rec types.BurnRecord) burnRecordDoc {
	return burnRecordDoc{
		TxHash:     rec.TxHash.Hex(),
		Recipient:  rec.Recipient.Hex(),
		Amount:     int64(rec.Amount),
		CreditedAt: int64(rec.CreditedAt),
		RecordedAt: int64(rec.RecordedAt),
	}
}

func fromDoc(doc burnRecordDoc) types.BurnRecord {
	return types.BurnRecord{
		TxHash:     common.HexToHash(doc.TxHash),
		Recipient:  common.HexToAddress(doc.Recipient),
		Amount:     uint64(doc.Amount),
		CreditedAt: uint64(doc.CreditedAt),
		RecordedAt: uint64(doc.RecordedAt),
	}
}

func NewMongo(opts MongoOpts) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultMongoTimeout)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetMaxPoolSize(100).
		SetMinPoolSize(10).
		SetServerSelectionTimeout(5 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Mongo{
		client:       client,
		databaseName: opts.DatabaseName,
		logger:       opts.Logger,
	}, nil
}

func (s *Mongo) coll(name string) *mongo.Collection {
	return s.client.Database(s.databaseName).Collection(name)
}

// CreateIndexes must be called once at startup.
func (s *Mongo) CreateIndexes(ctx context.Context) error {
	_, err := s.coll(collRecords).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tx_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "recipient", Value: 1}}},
		{Keys: bson.D{{Key: "credited_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create burn_records indexes: %w", err)
	}
	return nil
}

func (s *Mongo) ApplyCredit(ctx context.Context, rec types.BurnRecord) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := s.coll(collRecords).InsertOne(sc, toDoc(rec)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrAlreadyExists
			}
			return nil, fmt.Errorf("failed to insert burn record: %w", err)
		}

		_, err := s.coll(collBalances).UpdateOne(sc,
			bson.D{{Key: "_id", Value: rec.Recipient.Hex()}},
			bson.D{{Key: "$inc", Value: bson.D{{Key: "balance", Value: int64(rec.Amount)}}}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to credit balance: %w", err)
		}

		_, err = s.coll(collMeta).UpdateOne(sc,
			bson.D{{Key: "_id", Value: metaStateID}},
			bson.D{{Key: "$inc", Value: bson.D{
				{Key: "total_supply", Value: int64(rec.Amount)},
				{Key: "total_burned", Value: int64(rec.Amount)},
				{Key: "burn_count", Value: int64(1)},
			}}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update supply: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *Mongo) RevertCreditsFrom(ctx context.Context, height uint64) ([]types.BurnRecord, error) {
	cursor, err := s.coll(collRecords).Find(ctx,
		bson.D{{Key: "credited_at", Value: bson.D{{Key: "$gte", Value: int64(height)}}}})
	if err != nil {
		return nil, fmt.Errorf("failed to find records to revert: %w", err)
	}
	var docs []burnRecordDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode records to revert: %w", err)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	removed := make([]types.BurnRecord, 0, len(docs))
	for _, doc := range docs {
		doc := doc
		_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			res, err := s.coll(collRecords).DeleteOne(sc, bson.D{{Key: "tx_hash", Value: doc.TxHash}})
			if err != nil {
				return nil, fmt.Errorf("failed to delete burn record: %w", err)
			}
			if res.DeletedCount == 0 {
				// already gone, nothing to reverse
				return nil, nil
			}

			if _, err := s.coll(collBalances).UpdateOne(sc,
				bson.D{{Key: "_id", Value: doc.Recipient}},
				bson.D{{Key: "$inc", Value: bson.D{{Key: "balance", Value: -doc.Amount}}}},
			); err != nil {
				return nil, fmt.Errorf("failed to debit balance: %w", err)
			}

			if _, err := s.coll(collMeta).UpdateOne(sc,
				bson.D{{Key: "_id", Value: metaStateID}},
				bson.D{{Key: "$inc", Value: bson.D{
					{Key: "total_supply", Value: -doc.Amount},
					{Key: "total_burned", Value: -doc.Amount},
					{Key: "burn_count", Value: int64(-1)},
				}}},
			); err != nil {
				return nil, fmt.Errorf("failed to update supply: %w", err)
			}
			return nil, nil
		})
		if err != nil {
			return removed, err
		}
		removed = append(removed, fromDoc(doc))
	}

	if len(removed) > 0 {
		s.logger.Info("reverted credits", "fromHeight", height, "count", len(removed))
	}
	return removed, nil
}

func (s *Mongo) GetBurnRecord(ctx context.Context, txHash common.Hash) (*types.BurnRecord, error) {
	var doc burnRecordDoc
	err := s.coll(collRecords).FindOne(ctx, bson.D{{Key: "tx_hash", Value: txHash.Hex()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get burn record: %w", err)
	}
	rec := fromDoc(doc)
	return &rec, nil
}

func (s *Mongo) HasBurnRecord(ctx context.Context, txHash common.Hash) (bool, error) {
	n, err := s.coll(collRecords).CountDocuments(ctx, bson.D{{Key: "tx_hash", Value: txHash.Hex()}})
	if err != nil {
		return false, fmt.Errorf("failed to count burn records: %w", err)
	}
	return n > 0, nil
}

func (s *Mongo) findRecords(ctx context.Context, filter bson.D) ([]types.BurnRecord, error) {
	cursor, err := s.coll(collRecords).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "credited_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to find burn records: %w", err)
	}
	var docs []burnRecordDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode burn records: %w", err)
	}
	records := make([]types.BurnRecord, len(docs))
	for i, doc := range docs {
		records[i] = fromDoc(doc)
	}
	return records, nil
}

func (s *Mongo) BurnRecordsByAddress(ctx context.Context, addr common.Address) ([]types.BurnRecord, error) {
	return s.findRecords(ctx, bson.D{{Key: "recipient", Value: addr.Hex()}})
}

func (s *Mongo) BurnRecordsInRange(ctx context.Context, from, to uint64) ([]types.BurnRecord, error) {
	bounds := bson.D{{Key: "$gte", Value: int64(from)}}
	// heights are stored as int64, an unbounded query skips the upper bound
	if to <= uint64(1<<62) {
		bounds = append(bounds, bson.E{Key: "$lte", Value: int64(to)})
	}
	return s.findRecords(ctx, bson.D{{Key: "credited_at", Value: bounds}})
}

func (s *Mongo) metaInt64(ctx context.Context, field string) (uint64, error) {
	var doc bson.M
	err := s.coll(collMeta).FindOne(ctx, bson.D{{Key: "_id", Value: metaStateID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read meta: %w", err)
	}
	switch v := doc[field].(type) {
	case int64:
		return uint64(v), nil
	case int32:
		return uint64(v), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected meta type %T for %s", v, field)
	}
}

func (s *Mongo) TotalBurned(ctx context.Context) (uint64, error) {
	return s.metaInt64(ctx, "total_burned")
}

func (s *Mongo) BurnCount(ctx context.Context) (uint64, error) {
	return s.metaInt64(ctx, "burn_count")
}

func (s *Mongo) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	var doc struct {
		Balance int64 `bson:"balance"`
	}
	err := s.coll(collBalances).FindOne(ctx, bson.D{{Key: "_id", Value: addr.Hex()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return uint64(doc.Balance), nil
}

func (s *Mongo) TotalSupply(ctx context.Context) (uint64, error) {
	return s.metaInt64(ctx, "total_supply")
}

func (s *Mongo) SumBalances(ctx context.Context) (uint64, error) {
	cursor, err := s.coll(collBalances).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "sum", Value: bson.D{{Key: "$sum", Value: "$balance"}}},
		}}},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sum balances: %w", err)
	}
	var results []struct {
		Sum int64 `bson:"sum"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, fmt.Errorf("failed to decode balance sum: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return uint64(results[0].Sum), nil
}

func (s *Mongo) Transfer(ctx context.Context, from, to common.Address, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// conditional debit: matches only when the balance covers the amount
		res, err := s.coll(collBalances).UpdateOne(sc,
			bson.D{
				{Key: "_id", Value: from.Hex()},
				{Key: "balance", Value: bson.D{{Key: "$gte", Value: int64(amount)}}},
			},
			bson.D{{Key: "$inc", Value: bson.D{{Key: "balance", Value: -int64(amount)}}}},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to debit sender: %w", err)
		}
		if res.MatchedCount == 0 {
			return nil, ErrInsufficientBalance
		}

		if _, err := s.coll(collBalances).UpdateOne(sc,
			bson.D{{Key: "_id", Value: to.Hex()}},
			bson.D{{Key: "$inc", Value: bson.D{{Key: "balance", Value: int64(amount)}}}},
			options.Update().SetUpsert(true),
		); err != nil {
			return nil, fmt.Errorf("failed to credit recipient: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *Mongo) LastObservedL1Block(ctx context.Context) (uint64, error) {
	return s.metaInt64(ctx, "l1_head")
}

func (s *Mongo) SetLastObservedL1Block(ctx context.Context, height uint64) error {
	_, err := s.coll(collMeta).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: metaStateID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "l1_head", Value: int64(height)}}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store l1 cursor: %w", err)
	}
	return nil
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
