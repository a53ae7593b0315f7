package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	bolt "go.etcd.io/bbolt"
)

type boltLedgerTx struct {
	tx *bolt.Tx
}

func ownedKey(userID, id string) []byte {
	return []byte(userID + "/" + id)
}

func userPrefix(userID string) []byte {
	return []byte(userID + "/")
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	raw := b.Get(key)
	if raw == nil {
		return ledger.ErrNotFound
	}
	return json.Unmarshal(raw, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return b.Put(key, raw)
}

func scanPrefix[T any](b *bolt.Bucket, prefix []byte) ([]T, error) {
	var out []T
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", k, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func sequenceKey(userID string, seq uint64) []byte {
	return ownedKey(userID, fmt.Sprintf("%016d", seq))
}

// putOrdered stores v under userID/id and, the first time id is seen, appends id to the user's entries in order.
func putOrdered(data, order *bolt.Bucket, userID, id string, v any) error {
	if data.Get(ownedKey(userID, id)) == nil {
		seq, err := order.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		if err := order.Put(sequenceKey(userID, seq), []byte(id)); err != nil {
			return fmt.Errorf("failed to index %s: %w", id, err)
		}
	}
	return putJSON(data, ownedKey(userID, id), v)
}

// scanOrdered lists the user's entries in insertion order. Entries missing from the order index, written by
// older versions of the store, follow in key order.
func scanOrdered[T any](data, order *bolt.Bucket, userID string) ([]T, error) {
	prefix := userPrefix(userID)
	seen := make(map[string]bool)
	var out []T

	c := order.Cursor()
	for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
		key := ownedKey(userID, string(id))
		raw := data.Get(key)
		if raw == nil || seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		out = append(out, item)
	}

	c = data.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if seen[string(k)] {
			continue
		}
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", k, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// Users lists every account holder.
func (b BoltDB) Users(context.Context) ([]models.User, error) {
	var users []models.User
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var u models.User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
			users = append(users, u)
			return nil
		})
	})
	return users, err
}

// User returns one account holder or ledger.ErrNotFound.
func (b BoltDB) User(_ context.Context, userID string) (models.User, error) {
	var u models.User
	err := b.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(usersBucket), []byte(userID), &u)
	})
	return u, err
}

// Cards lists the user's cards in creation order.
func (b BoltDB) Cards(_ context.Context, userID string) ([]models.Card, error) {
	var cards []models.Card
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		cards, err = scanOrdered[models.Card](tx.Bucket(cardsBucket), tx.Bucket(cardOrderBucket), userID)
		return err
	})
	return cards, err
}

// Loans lists the user's loans in creation order.
func (b BoltDB) Loans(_ context.Context, userID string) ([]models.Loan, error) {
	var loans []models.Loan
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		loans, err = scanOrdered[models.Loan](tx.Bucket(loansBucket), tx.Bucket(loanOrderBucket), userID)
		return err
	})
	return loans, err
}

// Transactions lists the user's transactions, newest first.
func (b BoltDB) Transactions(_ context.Context, userID string) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		txs, err = scanPrefix[models.Transaction](tx.Bucket(transactionsBucket), userPrefix(userID))
		return err
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return txs, nil
}

// Update runs fn inside a single bolt read-write transaction.
func (b BoltDB) Update(_ context.Context, fn func(tx ledger.Tx) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(boltLedgerTx{tx: tx})
	})
}

// PutUser inserts or replaces an account holder. It is used by seeding.
func (b BoltDB) PutUser(_ context.Context, u models.User) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(usersBucket), []byte(u.ID), u)
	})
}

func (t boltLedgerTx) User(userID string) (models.User, error) {
	var u models.User
	return u, getJSON(t.tx.Bucket(usersBucket), []byte(userID), &u)
}

func (t boltLedgerTx) Card(userID, cardID string) (models.Card, error) {
	var c models.Card
	return c, getJSON(t.tx.Bucket(cardsBucket), ownedKey(userID, cardID), &c)
}

func (t boltLedgerTx) Loan(userID, loanID string) (models.Loan, error) {
	var l models.Loan
	return l, getJSON(t.tx.Bucket(loansBucket), ownedKey(userID, loanID), &l)
}

func (t boltLedgerTx) AdjustBalance(userID string, delta models.Money) (models.User, error) {
	u, err := t.User(userID)
	if err != nil {
		return models.User{}, err
	}
	if u.Balance+delta < 0 {
		return models.User{}, ledger.ErrOverdraft
	}
	u.Balance += delta
	return u, putJSON(t.tx.Bucket(usersBucket), []byte(userID), u)
}

func (t boltLedgerTx) RecordTransaction(txn models.Transaction) error {
	b := t.tx.Bucket(transactionsBucket)
	seq, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to get next sequence: %w", err)
	}
	return putJSON(b, sequenceKey(txn.UserID, seq), txn)
}

func (t boltLedgerTx) PutCard(card models.Card) error {
	return putOrdered(t.tx.Bucket(cardsBucket), t.tx.Bucket(cardOrderBucket), card.UserID, card.ID, card)
}

func (t boltLedgerTx) PutLoan(loan models.Loan) error {
	return putOrdered(t.tx.Bucket(loansBucket), t.tx.Bucket(loanOrderBucket), loan.UserID, loan.ID, loan)
}

func (t boltLedgerTx) UpdateDueDate(accountType ledger.AccountType, userID, accountID string, due time.Time) error {
	switch accountType {
	case ledger.AccountCard:
		c, err := t.Card(userID, accountID)
		if err != nil {
			return err
		}
		c.DueDate = due
		return t.PutCard(c)
	case ledger.AccountLoan:
		l, err := t.Loan(userID, accountID)
		if err != nil {
			return err
		}
		l.DueDate = due
		return t.PutLoan(l)
	default:
		return fmt.Errorf("unknown account type %q", accountType)
	}
}

func (t boltLedgerTx) SetLoanStatus(userID, loanID string, status models.LoanStatus) error {
	l, err := t.Loan(userID, loanID)
	if err != nil {
		return err
	}
	l.Status = status
	return t.PutLoan(l)
}
