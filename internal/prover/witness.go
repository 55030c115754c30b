// Package prover implements the claim -> build_witness -> prove -> complete
// loop a pool of prover workers runs against the job queue (spec.md §4.7,
// C7), reconstructing the SNARK witness for a single (chain, account,
// sub_account, l2_source_token, l1_target_token) exit from persisted
// state.
package prover

import (
	"context"
	"math/big"

	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/chainmeta"
	"github.com/l2exodus/recover-state-server/internal/store"
	"github.com/l2exodus/recover-state-server/internal/types"
)

// Witness is the reconstructed public+private input the SNARK prover
// consumes for one exit-proof task.
type Witness struct {
	ChainID       uint8
	Account       types.Account
	SubAccountID  uint8
	L1TargetToken uint32
	L2SourceToken uint32
	Balance       *big.Int
	// USDComponents holds, for a USD-token (id 1) exit, every stablecoin
	// balance across the chain's basket that folds into the withdrawn
	// amount (spec.md §4.8 "USD token fan-out").
	USDComponents []USDComponent
}

type USDComponent struct {
	TokenID chainmeta.TokenID
	Balance *big.Int
}

// BuildWitness loads the account and its balance(s) from the store. For
// the virtual USD token it sums every stablecoin balance in the chain's
// basket rather than reading a single row, since USD never has its own
// balance entry (spec.md §3 invariant 6).
func BuildWitness(ctx context.Context, db *store.DB, basket *chainmeta.StablecoinBasket, info types.ExitInfo) (*Witness, error) {
	acct, ok, err := db.Account(ctx, info.AccountID)
	if err != nil {
		return nil, errors.Wrap(err, "prover: load account")
	}
	if !ok {
		return nil, errors.Errorf("prover: account %d not found", info.AccountID)
	}

	w := &Witness{
		ChainID: info.ChainID, Account: acct, SubAccountID: info.SubAccountID,
		L1TargetToken: info.L1TargetToken, L2SourceToken: info.L2SourceToken,
	}

	if chainmeta.TokenID(info.L2SourceToken) == chainmeta.USDTokenID {
		total := big.NewInt(0)
		for _, tok := range basket.TokensForChain(chainmeta.ChainID(info.ChainID)) {
			bal, err := db.Balance(ctx, types.BalanceKey{AccountID: info.AccountID, SubAccount: info.SubAccountID, TokenID: uint32(tok)})
			if err != nil {
				return nil, errors.Wrap(err, "prover: load stablecoin balance")
			}
			w.USDComponents = append(w.USDComponents, USDComponent{TokenID: tok, Balance: bal})
			total.Add(total, bal)
		}
		w.Balance = total
		return w, nil
	}

	bal, err := db.Balance(ctx, types.BalanceKey{AccountID: info.AccountID, SubAccount: info.SubAccountID, TokenID: info.L2SourceToken})
	if err != nil {
		return nil, errors.Wrap(err, "prover: load balance")
	}
	w.Balance = bal
	return w, nil
}
