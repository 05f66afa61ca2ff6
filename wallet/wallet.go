package wallet

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/stf"
	"github.com/phoreproject/sidechain/wallet/address"
	"github.com/phoreproject/sidechain/wallet/keystore"
	"github.com/pkg/errors"
)

// DefaultPollInterval is how often a getter result is polled for.
const DefaultPollInterval = 200 * time.Millisecond

// Wallet keeps signing keys and submits balance operations for them.
type Wallet struct {
	client    *Client
	mrEnclave [32]byte
	shard     primitives.ShardIdentifier

	lock     *sync.RWMutex
	keystore map[address.Address]*keystore.Keypair
	queries  map[chainhash.Hash]*keystore.Keypair

	// PollInterval is the delay between getter result requests.
	PollInterval time.Duration
}

// NewWallet creates a wallet submitting operations through client.
func NewWallet(client *Client, mrEnclave [32]byte, shard primitives.ShardIdentifier) *Wallet {
	return &Wallet{
		client:       client,
		mrEnclave:    mrEnclave,
		shard:        shard,
		lock:         new(sync.RWMutex),
		keystore:     make(map[address.Address]*keystore.Keypair),
		queries:      make(map[chainhash.Hash]*keystore.Keypair),
		PollInterval: DefaultPollInterval,
	}
}

// GetNewAddress generates a key and adds it to the keystore.
func (w *Wallet) GetNewAddress() (address.Address, error) {
	kp, err := keystore.GenerateRandomKeypair()
	if err != nil {
		return "", err
	}
	return w.add(kp), nil
}

// ImportPrivKey imports a hex encoded private key.
func (w *Wallet) ImportPrivKey(keyHex string) (address.Address, error) {
	kp, err := keystore.KeypairFromHex(keyHex)
	if err != nil {
		return "", err
	}
	return w.add(kp), nil
}

func (w *Wallet) add(kp *keystore.Keypair) address.Address {
	w.lock.Lock()
	defer w.lock.Unlock()

	addr := kp.GetAddress()
	w.keystore[addr] = kp
	return addr
}

// Addresses gets every address in the keystore.
func (w *Wallet) Addresses() []address.Address {
	w.lock.RLock()
	defer w.lock.RUnlock()

	out := make([]address.Address, 0, len(w.keystore))
	for a := range w.keystore {
		out = append(out, a)
	}
	return out
}

func (w *Wallet) key(a address.Address) (*keystore.Keypair, error) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	kp, found := w.keystore[a]
	if !found {
		return nil, fmt.Errorf("could not find key for address: %s", a)
	}
	return kp, nil
}

// submitCall signs a call with the next nonce the enclave expects from the
// signer and submits it.
func (w *Wallet) submitCall(ctx context.Context, from address.Address, call stf.Call) (chainhash.Hash, error) {
	kp, err := w.key(from)
	if err != nil {
		return chainhash.Hash{}, err
	}

	payload, err := stf.EncodeCall(call)
	if err != nil {
		return chainhash.Hash{}, err
	}

	n, err := w.client.Nonce(ctx, kp.Account())
	if err != nil {
		return chainhash.Hash{}, errors.Wrap(err, "could not get nonce")
	}

	signed, err := kp.SignCall(payload, n, w.mrEnclave, w.shard)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return w.client.Submit(ctx, &primitives.TrustedOperation{Kind: primitives.KindCall, Call: signed})
}

// SendToAddress sends money to the specified address from the specified address.
func (w *Wallet) SendToAddress(ctx context.Context, from address.Address, to address.Address, amount uint64) (chainhash.Hash, error) {
	toAccount, err := to.ToAccount()
	if err != nil {
		return chainhash.Hash{}, err
	}
	return w.submitCall(ctx, from, stf.Call{Kind: stf.CallTransfer, To: toAccount, Amount: amount})
}

// SetBalance sets the balance of an address. Only the root account may do this.
func (w *Wallet) SetBalance(ctx context.Context, root address.Address, of address.Address, amount uint64) (chainhash.Hash, error) {
	account, err := of.ToAccount()
	if err != nil {
		return chainhash.Hash{}, err
	}
	return w.submitCall(ctx, root, stf.Call{Kind: stf.CallSetBalance, To: account, Amount: amount})
}

// Unshield moves funds from a sidechain account to a parentchain beneficiary.
func (w *Wallet) Unshield(ctx context.Context, from address.Address, beneficiary address.Address, amount uint64) (chainhash.Hash, error) {
	account, err := beneficiary.ToAccount()
	if err != nil {
		return chainhash.Hash{}, err
	}
	return w.submitCall(ctx, from, stf.Call{Kind: stf.CallUnshield, To: account, Amount: amount})
}

// Query submits a getter signed by of.
func (w *Wallet) Query(ctx context.Context, of address.Address, kind stf.GetterKind) (chainhash.Hash, error) {
	kp, err := w.key(of)
	if err != nil {
		return chainhash.Hash{}, err
	}

	payload, err := stf.EncodeGetter(stf.Getter{Kind: kind})
	if err != nil {
		return chainhash.Hash{}, err
	}

	signed, err := kp.SignGetter(payload, w.shard)
	if err != nil {
		return chainhash.Hash{}, err
	}

	h, err := w.client.Submit(ctx, &primitives.TrustedOperation{Kind: primitives.KindGetter, Getter: signed})
	if err != nil {
		return h, err
	}

	w.lock.Lock()
	w.queries[h] = kp
	w.lock.Unlock()

	return h, nil
}

// WaitForValue polls for the result of a getter until it was executed or
// ctx is done.
func (w *Wallet) WaitForValue(ctx context.Context, h chainhash.Hash) (uint64, error) {
	w.lock.RLock()
	kp, found := w.queries[h]
	w.lock.RUnlock()
	if !found {
		return 0, errors.Errorf("no query %s was submitted by this wallet", h)
	}

	sig, err := kp.SignResultRequest(h)
	if err != nil {
		return 0, err
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		v, err := w.client.GetterResult(ctx, h, sig)
		if err == nil {
			w.lock.Lock()
			delete(w.queries, h)
			w.lock.Unlock()

			if len(v) != 8 {
				return 0, errors.Errorf("unexpected getter value length %d", len(v))
			}
			return binary.BigEndian.Uint64(v), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		if err != ErrNotExecuted {
			return 0, err
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetBalance gets the balance of an address in the keystore. Getters are
// executed at the next slot, so this blocks for up to a slot.
func (w *Wallet) GetBalance(ctx context.Context, of address.Address) (uint64, error) {
	h, err := w.Query(ctx, of, stf.GetterBalance)
	if err != nil {
		return 0, err
	}
	return w.WaitForValue(ctx, h)
}

// GetNonce gets the next nonce of an address as seen by the enclave pool.
func (w *Wallet) GetNonce(ctx context.Context, of address.Address) (uint64, error) {
	account, err := of.ToAccount()
	if err != nil {
		return 0, err
	}
	return w.client.Nonce(ctx, account)
}
