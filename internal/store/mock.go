package store

import (
	"context"

	"fjacquet/sms-ledger/internal/models"
)

// FaultyStore wraps a Store and injects errors into selected writes made
// inside a unit of work. It is meant for rollback tests.
type FaultyStore struct {
	Store

	// Error flags for testing error conditions
	RuleCreateError         error
	ApplicationInsertError  error
	MappingPutError         error
	TransactionInsertError  error
	UnrecognizedInsertError error
	UnrecognizedUpdateError error
}

// WithinTx runs fn against a transaction whose repositories fail as configured.
func (f *FaultyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return f.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, f: f})
	})
}

type faultyTx struct {
	Tx
	f *FaultyStore
}

func (t *faultyTx) Rules() RuleRepository {
	return faultyRules{RuleRepository: t.Tx.Rules(), err: t.f.RuleCreateError}
}

func (t *faultyTx) Applications() ApplicationRepository {
	return faultyApplications{ApplicationRepository: t.Tx.Applications(), err: t.f.ApplicationInsertError}
}

func (t *faultyTx) Mappings() MappingRepository {
	return faultyMappings{MappingRepository: t.Tx.Mappings(), err: t.f.MappingPutError}
}

func (t *faultyTx) Transactions() TransactionRepository {
	return faultyTransactions{TransactionRepository: t.Tx.Transactions(), err: t.f.TransactionInsertError}
}

func (t *faultyTx) Unrecognized() UnrecognizedRepository {
	return faultyUnrecognized{
		UnrecognizedRepository: t.Tx.Unrecognized(),
		insertErr:              t.f.UnrecognizedInsertError,
		updateErr:              t.f.UnrecognizedUpdateError,
	}
}

type faultyRules struct {
	RuleRepository
	err error
}

func (r faultyRules) Create(ctx context.Context, rule *models.Rule) error {
	if r.err != nil {
		return r.err
	}
	return r.RuleRepository.Create(ctx, rule)
}

type faultyApplications struct {
	ApplicationRepository
	err error
}

func (r faultyApplications) Insert(ctx context.Context, app models.RuleApplication) error {
	if r.err != nil {
		return r.err
	}
	return r.ApplicationRepository.Insert(ctx, app)
}

type faultyMappings struct {
	MappingRepository
	err error
}

func (r faultyMappings) Put(ctx context.Context, m models.MerchantMapping) error {
	if r.err != nil {
		return r.err
	}
	return r.MappingRepository.Put(ctx, m)
}

type faultyTransactions struct {
	TransactionRepository
	err error
}

func (r faultyTransactions) Insert(ctx context.Context, tx models.Transaction) error {
	if r.err != nil {
		return r.err
	}
	return r.TransactionRepository.Insert(ctx, tx)
}

type faultyUnrecognized struct {
	UnrecognizedRepository
	insertErr error
	updateErr error
}

func (r faultyUnrecognized) Insert(ctx context.Context, msg models.UnrecognizedMessage) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	return r.UnrecognizedRepository.Insert(ctx, msg)
}

func (r faultyUnrecognized) Update(ctx context.Context, msg models.UnrecognizedMessage) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	return r.UnrecognizedRepository.Update(ctx, msg)
}
