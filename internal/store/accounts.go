package store

import (
	"context"
	"database/sql"
	"math/big"

	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/types"
)

type accountRow struct {
	AccountID       uint32 `db:"account_id"`
	Address         []byte `db:"address"`
	Nonce           uint64 `db:"nonce"`
	PubKeyHash      []byte `db:"pub_key_hash"`
	AccountType     uint8  `db:"account_type"`
	LastUpdateBlock uint64 `db:"last_update_block"`
}

func (r accountRow) toAccount() types.Account {
	var a types.Account
	a.ID = r.AccountID
	copy(a.Address[:], r.Address)
	a.Nonce = r.Nonce
	copy(a.PubKeyHash[:], r.PubKeyHash)
	a.Type = types.AccountType(r.AccountType)
	a.LastUpdateBlock = r.LastUpdateBlock
	return a
}

// UpsertAccount persists an account's current scalar fields, overwriting
// any existing row (spec.md §4.4: ChangePubKey/Deposit mutate in place).
func (db *DB) UpsertAccount(ctx context.Context, a types.Account) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO accounts (account_id, address, nonce, pub_key_hash, account_type, last_update_block)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			address = EXCLUDED.address, nonce = EXCLUDED.nonce,
			pub_key_hash = EXCLUDED.pub_key_hash, account_type = EXCLUDED.account_type,
			last_update_block = EXCLUDED.last_update_block`,
		a.ID, a.Address[:], a.Nonce, a.PubKeyHash[:], uint8(a.Type), a.LastUpdateBlock)
	return errors.Wrap(err, "store: upsert account")
}

// Account loads an account by id.
func (db *DB) Account(ctx context.Context, id uint32) (types.Account, bool, error) {
	var row accountRow
	err := db.conn.GetContext(ctx, &row, `SELECT * FROM accounts WHERE account_id = $1`, id)
	if err == sql.ErrNoRows {
		return types.Account{}, false, nil
	}
	if err != nil {
		return types.Account{}, false, errors.Wrap(err, "store: load account")
	}
	return row.toAccount(), true, nil
}

// AccountByAddress loads an account by its layer-1-style address, used by
// the exit service to resolve an account id from a user-supplied address
// (spec.md §6).
func (db *DB) AccountByAddress(ctx context.Context, address [20]byte) (types.Account, bool, error) {
	var row accountRow
	err := db.conn.GetContext(ctx, &row, `SELECT * FROM accounts WHERE address = $1 ORDER BY account_id LIMIT 1`, address[:])
	if err == sql.ErrNoRows {
		return types.Account{}, false, nil
	}
	if err != nil {
		return types.Account{}, false, errors.Wrap(err, "store: load account by address")
	}
	return row.toAccount(), true, nil
}

// SetBalance upserts a single balance row.
func (db *DB) SetBalance(ctx context.Context, k types.BalanceKey, amount *big.Int) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO balances (account_id, sub_account, token_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, sub_account, token_id) DO UPDATE SET amount = EXCLUDED.amount`,
		k.AccountID, k.SubAccount, k.TokenID, amount.String())
	return errors.Wrap(err, "store: set balance")
}

// Balance returns a single account's balance, or zero if the row is absent.
func (db *DB) Balance(ctx context.Context, k types.BalanceKey) (*big.Int, error) {
	var s string
	err := db.conn.GetContext(ctx, &s, `SELECT amount FROM balances WHERE account_id=$1 AND sub_account=$2 AND token_id=$3`,
		k.AccountID, k.SubAccount, k.TokenID)
	if err == sql.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: load balance")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("store: malformed balance %q", s)
	}
	return v, nil
}

// BalancesByAccount loads every non-zero balance row for an account, for
// the exit service's per-address balance listing (spec.md §4.8).
func (db *DB) BalancesByAccount(ctx context.Context, accountID uint32) (map[types.BalanceKey]*big.Int, error) {
	type row struct {
		SubAccount uint8  `db:"sub_account"`
		TokenID    uint32 `db:"token_id"`
		Amount     string `db:"amount"`
	}
	var rows []row
	err := db.conn.SelectContext(ctx, &rows,
		`SELECT sub_account, token_id, amount FROM balances WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "store: load balances by account")
	}
	out := make(map[types.BalanceKey]*big.Int, len(rows))
	for _, r := range rows {
		v, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			return nil, errors.Errorf("store: malformed balance %q", r.Amount)
		}
		out[types.BalanceKey{AccountID: accountID, SubAccount: r.SubAccount, TokenID: r.TokenID}] = v
	}
	return out, nil
}

// SetOrderSlotNonce upserts a single order-slot-nonce row.
func (db *DB) SetOrderSlotNonce(ctx context.Context, k types.OrderSlotKey, v types.OrderSlotNonce) error {
	residual := v.ResidualAmount
	if residual == nil {
		residual = big.NewInt(0)
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO order_slot_nonces (account_id, sub_account, slot, nonce, residual_amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, sub_account, slot) DO UPDATE SET
			nonce = EXCLUDED.nonce, residual_amount = EXCLUDED.residual_amount`,
		k.AccountID, k.SubAccount, k.Slot, v.Nonce, residual.String())
	return errors.Wrap(err, "store: set order slot nonce")
}
