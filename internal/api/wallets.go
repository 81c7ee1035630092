package api

import (
	"fmt"
	"net/http"
	"time"

	"marketplace-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type approveRequest struct {
	Notes string `json:"notes"`
}

type processRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
}

type bulkRequest struct {
	Action string   `json:"action" binding:"required,oneof=approve reject"`
	IDs    []string `json:"ids" binding:"required,min=1"`
	Notes  string   `json:"notes"`
	Reason string   `json:"reason"`
}

func (h *Handler) getWallet(c *gin.Context) {
	w, err := h.Wallets.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) walletTransactions(c *gin.Context) {
	page, limit := pageParams(c)
	txs, err := h.Wallets.Transactions(c.Request.Context(), c.Param("id"), page, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

// fileWithdrawal records a seller's payout request
func (h *Handler) fileWithdrawal(c *gin.Context) {
	var req service.FileWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.SellerID = c.Param("id")

	w, err := h.Withdrawals.File(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handler) walletOverview(c *gin.Context) {
	ov, err := h.Wallets.GetWalletOverview(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

// verifyLedger replays a seller's ledger against the wallet totals
func (h *Handler) verifyLedger(c *gin.Context) {
	if err := h.Wallets.VerifyLedger(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seller_id": c.Param("id"), "consistent": true})
}

func (h *Handler) sellerEarnings(c *gin.Context) {
	page, limit := pageParams(c)
	wallets, err := h.Wallets.GetSellerEarnings(c.Request.Context(), page, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallets)
}

func (h *Handler) listWithdrawals(c *gin.Context) {
	page, limit := pageParams(c)
	list, err := h.Withdrawals.GetWithdrawals(c.Request.Context(), c.Query("status"), page, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) approveWithdrawal(c *gin.Context) {
	var req approveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	w, err := h.Withdrawals.Approve(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) rejectWithdrawal(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	w, err := h.Withdrawals.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) processWithdrawal(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	w, err := h.Withdrawals.Process(c.Request.Context(), c.Param("id"), req.TransactionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) bulkWithdrawals(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var (
		results []service.BulkResult
		err     error
	)
	if req.Action == "approve" {
		results, err = h.Withdrawals.BulkApprove(c.Request.Context(), req.IDs, req.Notes)
	} else {
		results, err = h.Withdrawals.BulkReject(c.Request.Context(), req.IDs, req.Reason)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// exportWithdrawals streams the withdrawal list as CSV
func (h *Handler) exportWithdrawals(c *gin.Context) {
	status := c.Query("status")
	name := fmt.Sprintf("withdrawals-%s.csv", time.Now().UTC().Format("20060102-150405"))

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Status(http.StatusOK)
	if err := h.Withdrawals.ExportCSV(c.Request.Context(), status, c.Writer); err != nil {
		h.logger.Error("CSV export failed", zap.Error(err))
		_ = c.Error(err)
	}
}

// reconcile credits paid orders whose settlement event was lost
func (h *Handler) reconcile(c *gin.Context) {
	credited, err := h.Settlement.Reconcile(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credited": credited})
}
