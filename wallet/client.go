package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/enclave/rpc"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/pkg/errors"
)

// ErrNotExecuted is returned when a getter has no result yet.
var ErrNotExecuted = errors.New("getter was not executed yet")

// Client talks to the direct invocation API of an enclave for one shard.
type Client struct {
	baseURL string
	shard   primitives.ShardIdentifier
	http    *http.Client
}

// NewClient creates a client for the API served at baseURL.
func NewClient(baseURL string, shard primitives.ShardIdentifier, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		shard:   shard,
		http:    httpClient,
	}
}

// apiError is the error body written by the API.
type apiError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method string, path string, body interface{}, out interface{}) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, fmt.Sprintf("%s/shards/%s%s", c.baseURL, c.shard, path), reader)
	if err != nil {
		return 0, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "could not reach enclave at %s", c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := apiError{}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, errors.Errorf("enclave returned %d: %s", resp.StatusCode, e.Message)
	}

	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

// Submit submits a signed operation.
func (c *Client) Submit(ctx context.Context, op *primitives.TrustedOperation) (chainhash.Hash, error) {
	encoded, err := op.Encode()
	if err != nil {
		return chainhash.Hash{}, err
	}

	resp := rpc.SubmitResponse{}
	_, err = c.do(ctx, http.MethodPost, "/operations", rpc.SubmitRequest{Operation: hex.EncodeToString(encoded)}, &resp)
	return resp.Hash, err
}

// Nonce gets the next nonce of an account.
func (c *Client) Nonce(ctx context.Context, account primitives.AccountID) (uint64, error) {
	resp := rpc.NonceResponse{}
	_, err := c.do(ctx, http.MethodGet, "/nonce/"+account.String(), nil, &resp)
	return resp.Nonce, err
}

// Ready gets the ready calls of the shard.
func (c *Client) Ready(ctx context.Context) ([]rpc.CallInfo, error) {
	var resp []rpc.CallInfo
	_, err := c.do(ctx, http.MethodGet, "/ready", nil, &resp)
	return resp, err
}

// GetterResult gets the value computed by an executed getter. sig is the
// getter signer's signature of the result request.
func (c *Client) GetterResult(ctx context.Context, h chainhash.Hash, sig [65]byte) ([]byte, error) {
	resp := rpc.GetterResultResponse{}
	path := fmt.Sprintf("/getters/%s?signature=%s", h, hex.EncodeToString(sig[:]))
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if status == http.StatusNotFound {
		return nil, ErrNotExecuted
	}
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return hex.DecodeString(resp.Value)
}
