package rpc

import (
	"context"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/labstack/echo"
	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/db"
	"github.com/phoreproject/sidechain/parentchain"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/proposer"
	"github.com/phoreproject/sidechain/state"
	"github.com/phoreproject/sidechain/wallet/address"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Enclave is the part of the enclave served over the API.
type Enclave interface {
	SubmitOperation(shard primitives.ShardIdentifier, encoded []byte) (chainhash.Hash, error)
	ReadyOperations(shard primitives.ShardIdentifier) []*primitives.TrustedCallSigned
	PendingGetters(shard primitives.ShardIdentifier) []*primitives.TrustedGetterSigned
	QueryNonce(shard primitives.ShardIdentifier, account primitives.AccountID) (uint64, error)
	GetterResult(h chainhash.Hash) (*proposer.GetterResult, bool)
	UpdateParentchainHeader(header primitives.ParentchainHeader) error
	LatestParentchainHeader() (*primitives.ParentchainHeader, error)
}

// BlockReader reads produced blocks.
type BlockReader interface {
	LastBlock(shard primitives.ShardIdentifier) (*primitives.LastSidechainBlock, bool, error)
	GetBlockAt(shard primitives.ShardIdentifier, number uint64) (*primitives.SignedSidechainBlock, error)
}

// SubmitRequest carries a hex encoded trusted operation.
type SubmitRequest struct {
	Operation string `json:"operation"`
}

// SubmitResponse is the hash of a pooled operation.
type SubmitResponse struct {
	Hash chainhash.Hash `json:"hash"`
}

// CallInfo describes a ready call.
type CallInfo struct {
	Hash   chainhash.Hash  `json:"hash"`
	Signer address.Address `json:"signer"`
	Nonce  uint64          `json:"nonce"`
}

// GetterInfo describes a pending getter.
type GetterInfo struct {
	Hash   chainhash.Hash  `json:"hash"`
	Signer address.Address `json:"signer"`
}

// GetterResultResponse is the result of an executed getter. Value is hex
// encoded and empty when the getter failed.
type GetterResultResponse struct {
	Hash  chainhash.Hash `json:"hash"`
	Value string         `json:"value,omitempty"`
	Error string         `json:"error,omitempty"`
}

// BlockResponse describes a produced block.
type BlockResponse struct {
	Hash            chainhash.Hash   `json:"hash"`
	Number          uint64           `json:"number"`
	Slot            uint64           `json:"slot"`
	ParentHash      chainhash.Hash   `json:"parent_hash"`
	PriorStateHash  chainhash.Hash   `json:"prior_state_hash"`
	StateHash       chainhash.Hash   `json:"state_hash"`
	OperationHashes []chainhash.Hash `json:"operations"`
	ParentchainHash chainhash.Hash   `json:"parentchain_hash"`
	Author          string           `json:"author"`
	Signature       string           `json:"signature"`
}

// NonceResponse is the next nonce of an account.
type NonceResponse struct {
	Account address.Address `json:"account"`
	Nonce   uint64          `json:"nonce"`
}

// HeaderRequest is a finalized parentchain header fed by the host.
type HeaderRequest struct {
	Number         uint64         `json:"number"`
	ParentHash     chainhash.Hash `json:"parent_hash"`
	StateRoot      chainhash.Hash `json:"state_root"`
	ExtrinsicsRoot chainhash.Hash `json:"extrinsics_root"`
}

// HeaderResponse describes the latest imported parentchain header.
type HeaderResponse struct {
	Hash   chainhash.Hash `json:"hash"`
	Number uint64         `json:"number"`
}

// Server serves the direct invocation API of an enclave.
type Server struct {
	echo    *echo.Echo
	enclave Enclave
	blocks  BlockReader
	log     *logrus.Entry
}

// NewServer creates the API server. Blocks are served from blocks and metrics
// from gatherer when they are not nil.
func NewServer(enclave Enclave, blocks BlockReader, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		echo:    echo.New(),
		enclave: enclave,
		blocks:  blocks,
		log:     logrus.WithField("module", "rpc"),
	}
	s.echo.HideBanner = true

	s.echo.POST("/shards/:shard/operations", s.submitOperation)
	s.echo.GET("/shards/:shard/ready", s.readyOperations)
	s.echo.GET("/shards/:shard/getters", s.pendingGetters)
	s.echo.GET("/shards/:shard/getters/:hash", s.getterResult)
	s.echo.GET("/shards/:shard/nonce/:account", s.nonce)
	s.echo.POST("/parentchain/headers", s.importHeader)
	s.echo.GET("/parentchain/headers/latest", s.latestHeader)
	if blocks != nil {
		s.echo.GET("/shards/:shard/blocks/latest", s.latestBlock)
		s.echo.GET("/shards/:shard/blocks/:number", s.blockAt)
	}
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return s
}

// ServeHTTP serves a single request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.WithField("addr", addr).Info("starting rpc server")
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func shardParam(c echo.Context) (primitives.ShardIdentifier, error) {
	shard, err := primitives.ShardFromString(c.Param("shard"))
	if err != nil {
		return shard, echo.NewHTTPError(http.StatusBadRequest, "shard is not a valid hex identifier")
	}
	return shard, nil
}

// parseAccount reads an account from an address or from its hex id.
func parseAccount(s string) (primitives.AccountID, error) {
	if account, err := address.Address(s).ToAccount(); err == nil {
		return account, nil
	}

	var account primitives.AccountID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(account) {
		return account, errors.Errorf("invalid account %s", s)
	}
	copy(account[:], b)
	return account, nil
}

func signatureParam(s string) ([65]byte, error) {
	var sig [65]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(sig) {
		return sig, errors.New("invalid signature")
	}
	copy(sig[:], b)
	return sig, nil
}

func (s *Server) submitOperation(c echo.Context) error {
	shard, err := shardParam(c)
	if err != nil {
		return err
	}

	req := new(SubmitRequest)
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is not valid")
	}

	encoded, err := hex.DecodeString(req.Operation)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "operation is not valid hex")
	}

	h, err := s.enclave.SubmitOperation(shard, encoded)
	if err != nil {
		if primitives.IsValidationError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.log.WithError(err).Error("could not submit operation")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not submit operation")
	}

	return c.JSON(http.StatusOK, SubmitResponse{Hash: h})
}

func (s *Server) readyOperations(c echo.Context) error {
	shard, err := shardParam(c)
	if err != nil {
		return err
	}

	calls := s.enclave.ReadyOperations(shard)
	out := make([]CallInfo, len(calls))
	for i, call := range calls {
		out[i] = CallInfo{
			Hash:   call.Hash(),
			Signer: address.FromAccount(call.Call.Signer),
			Nonce:  call.Nonce,
		}
	}

	return c.JSON(http.StatusOK, out)
}

func (s *Server) pendingGetters(c echo.Context) error {
	shard, err := shardParam(c)
	if err != nil {
		return err
	}

	getters := s.enclave.PendingGetters(shard)
	out := make([]GetterInfo, len(getters))
	for i, g := range getters {
		out[i] = GetterInfo{
			Hash:   g.Hash(),
			Signer: address.FromAccount(g.Getter.Signer),
		}
	}

	return c.JSON(http.StatusOK, out)
}

func (s *Server) getterResult(c echo.Context) error {
	shard, err := shardParam(c)
	if err != nil {
		return err
	}

	h, err := chainhash.NewHashFromStr(c.Param("hash"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "hash is not valid")
	}

	sig, err := signatureParam(c.QueryParam("signature"))
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "a signature of the getter's signer is required")
	}

	// results of other signers look the same as missing ones
	r, found := s.enclave.GetterResult(*h)
	if !found || r.Getter.Shard != shard || r.Getter.VerifyResultRequest(sig) != nil {
		return echo.NewHTTPError(http.StatusNotFound, "getter was not executed yet")
	}

	resp := GetterResultResponse{Hash: r.Hash}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	} else {
		resp.Value = hex.EncodeToString(r.Value)
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) nonce(c echo.Context) error {
	shard, err := shardParam(c)
	if err != nil {
		return err
	}

	account, err := parseAccount(c.Param("account"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	n, err := s.enclave.QueryNonce(shard, account)
	if err != nil {
		if errors.Cause(err) == state.ErrUnknownShard {
			return echo.NewHTTPError(http.StatusNotFound, "shard is not initialized")
		}
		s.log.WithError(err).Error("could not query nonce")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not query nonce")
	}

	return c.JSON(http.StatusOK, NonceResponse{
		Account: address.FromAccount(account),
		Nonce:   n,
	})
}

func (s *Server) importHeader(c echo.Context) error {
	req := new(HeaderRequest)
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is not valid")
	}

	header := primitives.ParentchainHeader{
		Number:         req.Number,
		ParentHash:     req.ParentHash,
		StateRoot:      req.StateRoot,
		ExtrinsicsRoot: req.ExtrinsicsRoot,
	}
	if err := s.enclave.UpdateParentchainHeader(header); err != nil {
		if errors.Cause(err) == parentchain.ErrHeaderNotLinked {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		s.log.WithError(err).Error("could not import parentchain header")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not import parentchain header")
	}

	return c.JSON(http.StatusOK, HeaderResponse{Hash: header.Hash(), Number: header.Number})
}

func (s *Server) latestHeader(c echo.Context) error {
	header, err := s.enclave.LatestParentchainHeader()
	if err != nil {
		s.log.WithError(err).Error("could not read parentchain header")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read parentchain header")
	}
	return c.JSON(http.StatusOK, HeaderResponse{Hash: header.Hash(), Number: header.Number})
}

func blockResponse(b *primitives.SignedSidechainBlock) (*BlockResponse, error) {
	h, err := b.Hash()
	if err != nil {
		return nil, err
	}
	return &BlockResponse{
		Hash:            h,
		Number:          b.Block.Number,
		Slot:            b.Block.Slot,
		ParentHash:      b.Block.ParentHash,
		PriorStateHash:  b.Block.PriorStateHash,
		StateHash:       b.Block.StateHash,
		OperationHashes: b.Block.OperationHashes,
		ParentchainHash: b.Block.ParentchainHash,
		Author:          hex.EncodeToString(b.Block.Author),
		Signature:       hex.EncodeToString(b.Signature),
	}, nil
}

func (s *Server) writeBlock(c echo.Context, shard primitives.ShardIdentifier, number uint64) error {
	b, err := s.blocks.GetBlockAt(shard, number)
	if err != nil {
		if errors.Cause(err) == db.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "block not found")
		}
		s.log.WithError(err).Error("could not read block")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read block")
	}

	resp, err := blockResponse(b)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not hash block")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) latestBlock(c echo.Context) error {
	shard, err := shardParam(c)
	if err != nil {
		return err
	}

	last, found, err := s.blocks.LastBlock(shard)
	if err != nil {
		s.log.WithError(err).Error("could not read last block")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read last block")
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "no blocks produced for shard")
	}

	return s.writeBlock(c, shard, last.Number)
}

func (s *Server) blockAt(c echo.Context) error {
	shard, err := shardParam(c)
	if err != nil {
		return err
	}

	number, err := strconv.ParseUint(c.Param("number"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "block number is not valid")
	}

	return s.writeBlock(c, shard, number)
}
