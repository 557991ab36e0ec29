package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements JobStore and Store on MongoDB. Ledger commits run in a
// multi-document transaction, so the server must be a replica set member.
type MongoStore struct {
	client       *mongo.Client
	jobs         *mongo.Collection
	bids         *mongo.Collection
	agents       *mongo.Collection
	wallets      *mongo.Collection
	escrows      *mongo.Collection
	transactions *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:       client,
		jobs:         db.Collection("jobs"),
		bids:         db.Collection("bids"),
		agents:       db.Collection("agents"),
		wallets:      db.Collection("wallets"),
		escrows:      db.Collection("escrows"),
		transactions: db.Collection("transactions"),
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "posted_at", Value: 1}}},
		{Keys: bson.D{{Key: "posted_by", Value: 1}, {Key: "posted_at", Value: -1}}},
	})
	if err != nil {
		return err
	}

	// One bid per agent per job
	_, err = s.bids.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "agent_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "submitted_at", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.escrows.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "job_id", Value: 1}},
	})
	if err != nil {
		return err
	}

	_, err = s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "from_wallet", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "to_wallet", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{
			Keys: bson.D{{Key: "reference", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"reference": bson.M{"$type": "string"}}),
		},
	})

	return err
}

// Jobs

func (s *MongoStore) SaveJob(ctx context.Context, job model.Job) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, job, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var job model.Job
	err := s.jobs.FindOne(ctx, bson.M{"_id": jobID}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return model.Job{}, err
	}
	return job, nil
}

func (s *MongoStore) ListJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "posted_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	jobs := make([]model.Job, 0)
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Bids

func (s *MongoStore) SaveBid(ctx context.Context, bid model.Bid) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.bids.InsertOne(ctx, bid)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("bid for %s/%s: %w", bid.JobID, bid.AgentID, ErrDuplicate)
	}
	return err
}

func (s *MongoStore) GetBid(ctx context.Context, bidID string) (model.Bid, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var bid model.Bid
	err := s.bids.FindOne(ctx, bson.M{"_id": bidID}).Decode(&bid)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Bid{}, fmt.Errorf("bid %s: %w", bidID, ErrNotFound)
		}
		return model.Bid{}, err
	}
	return bid, nil
}

func (s *MongoStore) ListBidsByJob(ctx context.Context, jobID string) ([]model.Bid, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "submitted_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.bids.Find(ctx, bson.M{"job_id": jobID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	bids := make([]model.Bid, 0)
	if err := cur.All(ctx, &bids); err != nil {
		return nil, err
	}
	return bids, nil
}

// Agents

func (s *MongoStore) SaveAgent(ctx context.Context, agent model.Agent) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.agents.ReplaceOne(ctx, bson.M{"_id": agent.ID}, agent, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var agent model.Agent
	err := s.agents.FindOne(ctx, bson.M{"_id": agentID}).Decode(&agent)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, err
	}
	return agent, nil
}

func (s *MongoStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cur, err := s.agents.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	agents := make([]model.Agent, 0)
	if err := cur.All(ctx, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Ledger

func (s *MongoStore) GetWallet(ctx context.Context, walletID string) (model.Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var wallet model.Wallet
	err := s.wallets.FindOne(ctx, bson.M{"_id": walletID}).Decode(&wallet)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Wallet{}, fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
		}
		return model.Wallet{}, err
	}
	return wallet, nil
}

func (s *MongoStore) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cur, err := s.wallets.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	wallets := make([]model.Wallet, 0)
	if err := cur.All(ctx, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (s *MongoStore) GetEscrow(ctx context.Context, escrowID string) (model.Escrow, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var escrow model.Escrow
	err := s.escrows.FindOne(ctx, bson.M{"_id": escrowID}).Decode(&escrow)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Escrow{}, fmt.Errorf("escrow %s: %w", escrowID, ErrNotFound)
		}
		return model.Escrow{}, err
	}
	return escrow, nil
}

func (s *MongoStore) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := bson.M{}
	if filter.Wallet != "" {
		query["$or"] = []bson.M{
			{"from_wallet": filter.Wallet},
			{"to_wallet": filter.Wallet},
		}
	}
	if filter.JobID != "" {
		query["job_id"] = filter.JobID
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.transactions.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	txs := make([]model.Transaction, 0)
	if err := cur.All(ctx, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *MongoStore) FindTransactionByReference(ctx context.Context, reference string) (model.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var tx model.Transaction
	err := s.transactions.FindOne(ctx, bson.M{"reference": reference}).Decode(&tx)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Transaction{}, fmt.Errorf("transaction with reference %s: %w", reference, ErrNotFound)
		}
		return model.Transaction{}, err
	}
	return tx, nil
}

func (s *MongoStore) CommitLedger(ctx context.Context, commit model.LedgerCommit) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, w := range commit.Wallets {
			if _, err := s.wallets.ReplaceOne(sc, bson.M{"_id": w.ID}, w, options.Replace().SetUpsert(true)); err != nil {
				return nil, fmt.Errorf("save wallet %s: %w", w.ID, err)
			}
		}
		for _, e := range commit.Escrows {
			if _, err := s.escrows.ReplaceOne(sc, bson.M{"_id": e.ID}, e, options.Replace().SetUpsert(true)); err != nil {
				return nil, fmt.Errorf("save escrow %s: %w", e.ID, err)
			}
		}
		if len(commit.Transactions) > 0 {
			docs := make([]interface{}, 0, len(commit.Transactions))
			for _, tx := range commit.Transactions {
				docs = append(docs, tx)
			}
			if _, err := s.transactions.InsertMany(sc, docs); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return nil, fmt.Errorf("append transactions: %w", ErrDuplicate)
				}
				return nil, fmt.Errorf("append transactions: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

func (s *MongoStore) Close() error {
	return nil
}
