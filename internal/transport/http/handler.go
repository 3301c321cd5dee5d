package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/richardliu001/custody-ledger/internal/service"
	"go.uber.org/zap"
)

// Services bundles what the handlers call.
type Services struct {
	Users        *service.UserService
	Wallets      *service.WalletService
	Transactions *service.TransactionService
}

const defaultLimit = 50

func RegisterHandlers(r *gin.Engine, svc Services, authMW gin.HandlerFunc, log *zap.SugaredLogger) {
	h := &handlers{svc: svc, log: log}
	v1 := r.Group("/v1")
	{
		v1.POST("/register", h.register)
		v1.POST("/login", h.login)
	}
	authed := v1.Group("", authMW)
	{
		authed.POST("/wallets", h.createWallet)
		authed.GET("/wallets", h.listWallets)
		authed.GET("/wallets/:currency/balance", h.balance)
		authed.POST("/transactions", h.submit)
		authed.GET("/transactions", h.listTransactions)
		authed.GET("/transactions/:id/status", h.status)
		authed.GET("/transaction-history", h.history)
	}
}

type handlers struct {
	svc Services
	log *zap.SugaredLogger
}

// fail maps service errors to status codes.
func (h *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrLimitExceeded),
		errors.Is(err, service.ErrInvalidEmail),
		errors.Is(err, service.ErrInvalidPassword),
		errors.Is(err, service.ErrInvalidName),
		errors.Is(err, service.ErrInvalidMaxAmount),
		errors.Is(err, currency.ErrUnsupported):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrBadCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrWalletNotFound),
		errors.Is(err, service.ErrTransactionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrEmailTaken),
		errors.Is(err, service.ErrWalletExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Errorw("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit < 1 || limit > 500 {
		return defaultLimit
	}
	return limit
}

type registerReq struct {
	Name                    string `json:"name" binding:"required"`
	Description             string `json:"description"`
	Email                   string `json:"email" binding:"required"`
	Password                string `json:"password" binding:"required"`
	MaxAmountPerTransaction string `json:"max_amount_per_transaction" binding:"required"`
}

func (h *handlers) register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u, err := h.svc.Users.Register(c, service.RegisterInput{
		Name:                    req.Name,
		Description:             req.Description,
		Email:                   req.Email,
		Password:                req.Password,
		MaxAmountPerTransaction: req.MaxAmountPerTransaction,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *handlers) login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, u, err := h.svc.Users.Login(c, req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"user":          u,
	})
}

type walletReq struct {
	Currency string `json:"currency_type" binding:"required"`
}

func (h *handlers) createWallet(c *gin.Context) {
	var req walletReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cur, err := currency.Parse(req.Currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	w, err := h.svc.Wallets.CreateWallet(c, callerID(c), cur)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// listWallets returns all wallets of ?currency_type=, or the caller's own.
func (h *handlers) listWallets(c *gin.Context) {
	if q := c.Query("currency_type"); q != "" {
		cur, err := currency.Parse(q)
		if err != nil {
			h.fail(c, err)
			return
		}
		ws, err := h.svc.Wallets.ListWallets(c, cur)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ws)
		return
	}
	ws, err := h.svc.Wallets.UserWallets(c, callerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *handlers) balance(c *gin.Context) {
	cur, err := currency.Parse(c.Param("currency"))
	if err != nil {
		h.fail(c, err)
		return
	}
	bal, err := h.svc.Wallets.GetBalance(c, callerID(c), cur)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currency_type": cur, "balance": cur.Format(bal)})
}

type submitReq struct {
	TargetUser string `json:"target_user" binding:"required"`
	Currency   string `json:"currency_type" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
}

func (h *handlers) submit(c *gin.Context) {
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	txn, err := h.svc.Transactions.Submit(c, service.SubmitInput{
		SourceUserID: callerID(c),
		TargetUserID: req.TargetUser,
		Currency:     req.Currency,
		Amount:       req.Amount,
	})
	if errors.Is(err, service.ErrQueueUnavailable) && txn != nil {
		// recorded; the outbox relay will publish it
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "identifier": txn.ID})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (h *handlers) listTransactions(c *gin.Context) {
	txs, err := h.svc.Transactions.List(c, limitParam(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

func (h *handlers) status(c *gin.Context) {
	id := c.Param("id")
	st, err := h.svc.Transactions.Status(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identifier": id, "state": st})
}

func (h *handlers) history(c *gin.Context) {
	rows, err := h.svc.Transactions.History(c, callerID(c), limitParam(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}
