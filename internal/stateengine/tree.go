// Package stateengine implements the pure, deterministic account-tree
// state machine (spec.md §4.4, C4). The account tree's root is a
// sequential Poseidon fold of the account leaf hashes in ascending
// account-id order, not a fixed-depth sparse Merkle tree; each leaf hash
// covers the account's (balance-map, order-slot-map). Poseidon is the SNARK-native
// hash a real zk-rollup (hermez-node, in the retrieval pack) uses for
// exactly this structure.
package stateengine

import (
	"math/big"
	"sync"

	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/pkg/errors"

	lru "github.com/hashicorp/golang-lru"

	"github.com/l2exodus/recover-state-server/internal/types"
	"github.com/l2exodus/recover-state-server/internal/xlog"
)

var logger = xlog.NewModuleLogger(xlog.StateEngine)

// AccountTreeDepth is the nominal account-tree depth (2^AccountTreeDepth
// leaves). Tree does not read it: neither account ids nor Root are
// bounded or shaped by it.
const AccountTreeDepth = 32

func poseidonHash(inputs ...*big.Int) (*big.Int, error) {
	h, err := poseidon.Hash(inputs)
	if err != nil {
		return nil, errors.Wrap(err, "poseidon hash")
	}
	return h, nil
}

// accountLeaf is the full per-account sub-tree content hashed into the
// account tree's leaf value.
type accountLeaf struct {
	account  types.Account
	balances map[types.BalanceKey]*big.Int
	slots    map[types.OrderSlotKey]types.OrderSlotNonce
}

func newAccountLeaf(a types.Account) *accountLeaf {
	return &accountLeaf{
		account:  a,
		balances: make(map[types.BalanceKey]*big.Int),
		slots:    make(map[types.OrderSlotKey]types.OrderSlotNonce),
	}
}

func (l *accountLeaf) balance(sub uint8, token uint32) *big.Int {
	k := types.BalanceKey{AccountID: l.account.ID, SubAccount: sub, TokenID: token}
	if b, ok := l.balances[k]; ok {
		return b
	}
	return big.NewInt(0)
}

func (l *accountLeaf) setBalance(sub uint8, token uint32, v *big.Int) {
	k := types.BalanceKey{AccountID: l.account.ID, SubAccount: sub, TokenID: token}
	if v.Sign() == 0 {
		// Zero entries are semantically equivalent to absent entries
		// (spec.md §3) — drop them to keep the leaf hash canonical.
		delete(l.balances, k)
		return
	}
	l.balances[k] = new(big.Int).Set(v)
}

// hash folds the account scalar fields and the balance/slot maps into a
// single Poseidon digest. Balances/slots are folded in key order so the
// hash is independent of map iteration order.
func (l *accountLeaf) hash() (*big.Int, error) {
	nonce := new(big.Int).SetUint64(l.account.Nonce)
	pk := new(big.Int).SetBytes(l.account.PubKeyHash[:])
	addr := new(big.Int).SetBytes(l.account.Address[:])
	typ := big.NewInt(int64(l.account.Type))

	balRoot, err := hashBalances(l.balances)
	if err != nil {
		return nil, err
	}
	slotRoot, err := hashSlots(l.slots)
	if err != nil {
		return nil, err
	}
	return poseidonHash(nonce, pk, addr, typ, balRoot, slotRoot)
}

func hashBalances(m map[types.BalanceKey]*big.Int) (*big.Int, error) {
	keys := make([]types.BalanceKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortBalanceKeys(keys)
	acc := big.NewInt(0)
	for _, k := range keys {
		kHash, err := poseidonHash(
			new(big.Int).SetUint64(uint64(k.AccountID)),
			new(big.Int).SetUint64(uint64(k.SubAccount)),
			new(big.Int).SetUint64(uint64(k.TokenID)),
			m[k],
		)
		if err != nil {
			return nil, err
		}
		acc, err = poseidonHash(acc, kHash)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func hashSlots(m map[types.OrderSlotKey]types.OrderSlotNonce) (*big.Int, error) {
	keys := make([]types.OrderSlotKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortSlotKeys(keys)
	acc := big.NewInt(0)
	for _, k := range keys {
		v := m[k]
		residual := v.ResidualAmount
		if residual == nil {
			residual = big.NewInt(0)
		}
		kHash, err := poseidonHash(
			new(big.Int).SetUint64(uint64(k.AccountID)),
			new(big.Int).SetUint64(uint64(k.SubAccount)),
			new(big.Int).SetUint64(uint64(k.Slot)),
			new(big.Int).SetUint64(v.Nonce),
			residual,
		)
		if err != nil {
			return nil, err
		}
		acc, err = poseidonHash(acc, kHash)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func sortBalanceKeys(k []types.BalanceKey) {
	for i := 1; i < len(k); i++ {
		for j := i; j > 0 && less(k[j-1], k[j]); j-- {
			k[j-1], k[j] = k[j], k[j-1]
		}
	}
}

func less(a, b types.BalanceKey) bool {
	if a.AccountID != b.AccountID {
		return a.AccountID > b.AccountID
	}
	if a.SubAccount != b.SubAccount {
		return a.SubAccount > b.SubAccount
	}
	return a.TokenID > b.TokenID
}

func sortSlotKeys(k []types.OrderSlotKey) {
	for i := 1; i < len(k); i++ {
		for j := i; j > 0 && (k[j-1].AccountID > k[j].AccountID ||
			(k[j-1].AccountID == k[j].AccountID && k[j-1].SubAccount > k[j].SubAccount) ||
			(k[j-1].AccountID == k[j].AccountID && k[j-1].SubAccount == k[j].SubAccount && k[j-1].Slot > k[j].Slot)); j-- {
			k[j-1], k[j] = k[j], k[j-1]
		}
	}
}

// Tree is the in-memory account tree the state engine mutates block by
// block. It is rebuilt from genesis on recovery; there is no loader from
// a persisted balances/accounts snapshot.
type Tree struct {
	mu       sync.RWMutex
	leaves   map[uint32]*accountLeaf
	nextID   uint32
	leafHashCache *lru.Cache // accountID -> cached leaf hash, invalidated on write
}

// New constructs an empty tree (pre-genesis).
func New() *Tree {
	cache, _ := lru.New(4096)
	return &Tree{leaves: make(map[uint32]*accountLeaf), leafHashCache: cache}
}

// Genesis creates the fee account (id 0) and global asset account (id 1)
// as spec.md §3 requires, and returns the resulting root.
func (t *Tree) Genesis(globalAssetAddress [20]byte) ([32]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves[0] = newAccountLeaf(types.Account{ID: 0})
	t.leaves[1] = newAccountLeaf(types.Account{ID: 1, Address: globalAssetAddress})
	t.nextID = 2
	return t.rootLocked()
}

// EnsureAccount returns the account with the given id, creating it with
// zero nonce/pubkey if absent (spec.md §4.4 Deposit/TransferToNew).
func (t *Tree) EnsureAccount(id uint32, address [20]byte) *accountLeaf {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.leaves[id]; ok {
		return l
	}
	l := newAccountLeaf(types.Account{ID: id, Address: address})
	t.leaves[id] = l
	if id >= t.nextID {
		t.nextID = id + 1
	}
	t.invalidate(id)
	return l
}

// NextAccountID returns the id that would be assigned to the next newly
// materialized account (spec.md §3: "Account id is monotonic in creation
// order and never reused").
func (t *Tree) NextAccountID() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextID
}

func (t *Tree) Account(id uint32) (types.Account, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.leaves[id]
	if !ok {
		return types.Account{}, false
	}
	return l.account, true
}

func (t *Tree) SetAccount(a types.Account) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leaves[a.ID]
	if !ok {
		l = newAccountLeaf(a)
		t.leaves[a.ID] = l
	} else {
		l.account = a
	}
	t.invalidate(a.ID)
}

func (t *Tree) Balance(accountID uint32, sub uint8, token uint32) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.leaves[accountID]
	if !ok {
		return big.NewInt(0)
	}
	return l.balance(sub, token)
}

func (t *Tree) SetBalance(accountID uint32, sub uint8, token uint32, v *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.leaves[accountID]
	l.setBalance(sub, token, v)
	t.invalidate(accountID)
}

func (t *Tree) SlotNonce(accountID uint32, sub uint8, slot uint8) types.OrderSlotNonce {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.leaves[accountID]
	if !ok {
		return types.NewZeroOrderSlotNonce()
	}
	k := types.OrderSlotKey{AccountID: accountID, SubAccount: sub, Slot: slot}
	if v, ok := l.slots[k]; ok {
		return v
	}
	return types.NewZeroOrderSlotNonce()
}

func (t *Tree) SetSlotNonce(accountID uint32, sub uint8, slot uint8, v types.OrderSlotNonce) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.leaves[accountID]
	k := types.OrderSlotKey{AccountID: accountID, SubAccount: sub, Slot: slot}
	l.slots[k] = v
	t.invalidate(accountID)
}

func (t *Tree) invalidate(accountID uint32) {
	if t.leafHashCache != nil {
		t.leafHashCache.Remove(accountID)
	}
}

// Root recomputes the account tree's root by folding every leaf's
// hash, in ascending account-id order, through Poseidon (spec.md §4.4).
func (t *Tree) Root() ([32]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootLocked()
}

func (t *Tree) rootLocked() ([32]byte, error) {
	ids := make([]uint32, 0, len(t.leaves))
	for id := range t.leaves {
		ids = append(ids, id)
	}
	sortUint32(ids)

	acc := big.NewInt(0)
	for _, id := range ids {
		var h *big.Int
		if t.leafHashCache != nil {
			if cached, ok := t.leafHashCache.Get(id); ok {
				h = cached.(*big.Int)
			}
		}
		if h == nil {
			var err error
			h, err = t.leaves[id].hash()
			if err != nil {
				return [32]byte{}, err
			}
			if t.leafHashCache != nil {
				t.leafHashCache.Add(id, h)
			}
		}
		idHash, err := poseidonHash(new(big.Int).SetUint64(uint64(id)), h)
		if err != nil {
			return [32]byte{}, err
		}
		acc, err = poseidonHash(acc, idHash)
		if err != nil {
			return [32]byte{}, err
		}
	}

	var out [32]byte
	b := acc.Bytes()
	copy(out[32-len(b):], b)
	return out, nil
}

func sortUint32(a []uint32) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}
