package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aporia-zero/peernet/pkg/relay"
	"github.com/aporia-zero/peernet/pkg/sched"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// TransactionView is the JSON form of a pooled transaction.
type TransactionView struct {
	Hash       common.Hash   `json:"hash"`
	Size       int           `json:"size"`
	Version    uint8         `json:"version"`
	UnlockTime uint64        `json:"unlock_time"`
	Inputs     int           `json:"inputs"`
	Outputs    int           `json:"outputs"`
	Fee        uint64        `json:"fee"`
	Source     string        `json:"source"`
	AddedAt    time.Time     `json:"added_at"`
	Blob       hexutil.Bytes `json:"blob,omitempty"`
}

func newTransactionView(ptx *relay.PoolTransaction, withBlob bool) TransactionView {
	tx := ptx.Transaction
	view := TransactionView{
		Hash:       ptx.Hash,
		Size:       len(ptx.Blob),
		Version:    tx.Version,
		UnlockTime: tx.UnlockTime,
		Inputs:     len(tx.Inputs),
		Outputs:    len(tx.Outputs),
		Source:     ptx.Source,
		AddedAt:    ptx.AddedAt,
	}
	if in, out := tx.TotalInput(), tx.TotalOutput(); in > out {
		view.Fee = in - out
	}
	if withBlob {
		view.Blob = ptx.Blob
	}
	return view
}

// Node handlers
func (s *APIServer) handleGetNodeInfo(c *gin.Context) {
	info, err := s.services.NodeService.NodeInfo(c.Request.Context())
	if err != nil {
		errorResponse(c, nodeErrorStatus(err), err)
		return
	}
	successResponse(c, info)
}

func (s *APIServer) handleGetPeers(c *gin.Context) {
	peers, err := s.services.NodeService.Peers(c.Request.Context())
	if err != nil {
		errorResponse(c, nodeErrorStatus(err), err)
		return
	}
	successResponse(c, peers)
}

func (s *APIServer) handleGetConnections(c *gin.Context) {
	conns, err := s.services.NodeService.Connections(c.Request.Context())
	if err != nil {
		errorResponse(c, nodeErrorStatus(err), err)
		return
	}
	successResponse(c, conns)
}

// Transaction handlers
func (s *APIServer) handleSubmitTransaction(c *gin.Context) {
	var request struct {
		Blob hexutil.Bytes `json:"blob" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	hash, err := s.services.TxService.Submit(c.Request.Context(), request.Blob)
	if err != nil {
		errorResponse(c, submitErrorStatus(err), err)
		return
	}

	c.JSON(http.StatusAccepted, APIResponse{
		Data:    gin.H{"hash": hash},
		Message: "Transaction accepted for relay",
	})
}

func (s *APIServer) handleGetTransaction(c *gin.Context) {
	raw, err := hexutil.Decode(c.Param("hash"))
	if err != nil || len(raw) != common.HashLength {
		errorResponse(c, http.StatusBadRequest, errors.New("hash must be 32 hex encoded bytes"))
		return
	}

	ptx, err := s.services.TxService.Transaction(common.BytesToHash(raw))
	if err != nil {
		errorResponse(c, http.StatusNotFound, err)
		return
	}
	successResponse(c, newTransactionView(ptx, true))
}

func (s *APIServer) handleGetPendingTransactions(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil || page < 1 {
		errorResponse(c, http.StatusBadRequest, errors.New("page must be a positive integer"))
		return
	}
	pageSize, err := queryInt(c, "page_size", defaultPageSize)
	if err != nil || pageSize < 1 || pageSize > maxPageSize {
		errorResponse(c, http.StatusBadRequest, errors.New("page_size must be between 1 and 500"))
		return
	}

	pending := s.services.TxService.Pending()
	start := min((page-1)*pageSize, len(pending))
	end := min(start+pageSize, len(pending))

	views := make([]TransactionView, 0, end-start)
	for _, ptx := range pending[start:end] {
		views = append(views, newTransactionView(ptx, false))
	}
	paginatedResponse(c, views, int64(len(pending)), page, pageSize)
}

func (s *APIServer) handleGetPoolStatus(c *gin.Context) {
	successResponse(c, s.services.TxService.Status())
}

// Helper function for paginated responses
func paginatedResponse(c *gin.Context, data interface{}, total int64, page, pageSize int) {
	c.JSON(http.StatusOK, gin.H{
		"data":        data,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func nodeErrorStatus(err error) int {
	switch {
	case errors.Is(err, sched.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrTxAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, relay.ErrTxTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, relay.ErrPoolFull), errors.Is(err, sched.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		// Everything else is a verification failure.
		return http.StatusBadRequest
	}
}
