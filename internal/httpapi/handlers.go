package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reelcher/metering/internal/queue"
	"github.com/reelcher/metering/pkg/credit"
	"github.com/reelcher/metering/pkg/pricing"
)

type submitJobRequest struct {
	Platform       string          `json:"platform" binding:"required"`
	SearchType     string          `json:"search_type" binding:"required"`
	RequestedUnits int             `json:"requested_units" binding:"required"`
	Params         json.RawMessage `json:"params"`
}

type jobOutcomeRequest struct {
	Success       bool   `json:"success"`
	ActualUnits   int    `json:"actual_units"`
	FailureReason string `json:"failure_reason"`
}

type onboardRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Plan        string `json:"plan" binding:"required"`
	PhoneNumber string `json:"phone_number"`
}

type changePlanRequest struct {
	Plan string `json:"plan" binding:"required"`
}

type adjustRequest struct {
	Delta  int64  `json:"delta" binding:"required"`
	Reason string `json:"reason"`
}

type renewSweepRequest struct {
	Limit int `json:"limit"`
}

type jobResponse struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	Platform         string `json:"platform"`
	SearchType       string `json:"search_type"`
	RequestedUnits   int    `json:"requested_units"`
	EstimatedCredits int64  `json:"estimated_credits"`
	RetryCount       int    `json:"retry_count"`
	FailureReason    string `json:"failure_reason,omitempty"`
	Position         int    `json:"position,omitempty"`
	EstimatedWaitSec int64  `json:"estimated_wait_seconds,omitempty"`
}

type walletResponse struct {
	UserID      string `json:"user_id"`
	Plan        string `json:"plan"`
	Balance     int64  `json:"balance"`
	Reserved    int64  `json:"reserved"`
	CycleStart  string `json:"cycle_start"`
	NextGrantAt string `json:"next_grant_at"`
}

func jobResponseFromView(view queue.StatusView) jobResponse {
	return jobResponse{
		JobID:            view.Job.ID.String(),
		Status:           string(view.Job.Status),
		Platform:         string(view.Job.Platform),
		SearchType:       string(view.Job.SearchType),
		RequestedUnits:   view.Job.RequestedUnits,
		EstimatedCredits: view.Job.EstimatedCredits.Int64(),
		RetryCount:       view.Job.RetryCount,
		FailureReason:    view.Job.FailureReason,
		Position:         view.Position,
		EstimatedWaitSec: int64(view.EstimatedWait / time.Second),
	}
}

func walletResponseFromAccount(account credit.Account) walletResponse {
	return walletResponseFromWallet(credit.Wallet{Account: account})
}

func walletResponseFromWallet(wallet credit.Wallet) walletResponse {
	return walletResponse{
		UserID:      wallet.Account.UserID.String(),
		Plan:        wallet.Account.Plan.String(),
		Balance:     wallet.Account.Balance.Int64(),
		Reserved:    wallet.Reserved.Int64(),
		CycleStart:  wallet.Account.CycleStart.UTC().Format(time.RFC3339),
		NextGrantAt: wallet.Account.NextGrantAt.UTC().Format(time.RFC3339),
	}
}

func (server *Server) handleSubmitJob(ctx *gin.Context) {
	var request submitJobRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	platform, platformErr := pricing.ParsePlatform(request.Platform)
	if platformErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_platform", platformErr.Error()))
		return
	}
	searchType, searchTypeErr := pricing.ParseSearchType(request.SearchType)
	if searchTypeErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_search_type", searchTypeErr.Error()))
		return
	}
	view, err := server.manager.Submit(ctx.Request.Context(), queue.SubmitRequest{
		UserID:         requestUserID(ctx),
		Platform:       platform,
		SearchType:     searchType,
		RequestedUnits: request.RequestedUnits,
		Params:         request.Params,
	})
	if err != nil {
		server.respondError(ctx, "submit failed", err)
		return
	}
	ctx.JSON(http.StatusAccepted, jobResponseFromView(view))
}

func (server *Server) handleJobStatus(ctx *gin.Context) {
	view, err := server.manager.Status(ctx.Request.Context(), queue.JobID(ctx.Param("id")), requestUserID(ctx))
	if err != nil {
		server.respondError(ctx, "status failed", err)
		return
	}
	ctx.JSON(http.StatusOK, jobResponseFromView(view))
}

func (server *Server) handleCancelJob(ctx *gin.Context) {
	job, err := server.manager.RequestCancel(ctx.Request.Context(), queue.JobID(ctx.Param("id")), requestUserID(ctx))
	if err != nil {
		server.respondError(ctx, "cancel failed", err)
		return
	}
	ctx.JSON(http.StatusOK, jobResponseFromView(queue.StatusView{Job: job}))
}

func (server *Server) handleJobOutcome(ctx *gin.Context) {
	var request jobOutcomeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	outcome := queue.Outcome{
		Success:       request.Success,
		ActualUnits:   request.ActualUnits,
		FailureReason: request.FailureReason,
	}
	job, err := server.manager.Complete(ctx.Request.Context(), queue.JobID(ctx.Param("id")), outcome)
	if err != nil {
		server.respondError(ctx, "outcome failed", err)
		return
	}
	ctx.JSON(http.StatusOK, jobResponseFromView(queue.StatusView{Job: job}))
}

func (server *Server) handleWallet(ctx *gin.Context) {
	wallet, err := server.credits.Wallet(ctx.Request.Context(), requestUserID(ctx))
	if err != nil {
		server.respondError(ctx, "wallet failed", err)
		return
	}
	ctx.JSON(http.StatusOK, walletResponseFromWallet(wallet))
}

func (server *Server) handleOnboard(ctx *gin.Context) {
	var request onboardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, userIDErr := credit.NewUserID(request.UserID)
	if userIDErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", userIDErr.Error()))
		return
	}
	plan, planErr := credit.ParsePlan(request.Plan)
	if planErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan", planErr.Error()))
		return
	}
	account, err := server.credits.Onboard(ctx.Request.Context(), userID, plan, request.PhoneNumber)
	if err != nil {
		server.respondError(ctx, "onboard failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, walletResponseFromAccount(account))
}

func (server *Server) handleChangePlan(ctx *gin.Context) {
	var request changePlanRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	plan, planErr := credit.ParsePlan(request.Plan)
	if planErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan", planErr.Error()))
		return
	}
	account, err := server.credits.ChangePlan(ctx.Request.Context(), credit.UserID(ctx.Param("id")), plan)
	if err != nil {
		server.respondError(ctx, "plan change failed", err)
		return
	}
	ctx.JSON(http.StatusOK, walletResponseFromAccount(account))
}

func (server *Server) handleAdjust(ctx *gin.Context) {
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	account, err := server.credits.AdminAdjust(ctx.Request.Context(), credit.UserID(ctx.Param("id")), request.Delta, request.Reason)
	if err != nil {
		server.respondError(ctx, "adjust failed", err)
		return
	}
	ctx.JSON(http.StatusOK, walletResponseFromAccount(account))
}

func (server *Server) handleCloseAccount(ctx *gin.Context) {
	if err := server.credits.Close(ctx.Request.Context(), credit.UserID(ctx.Param("id"))); err != nil {
		server.respondError(ctx, "close failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (server *Server) handleRenewSweep(ctx *gin.Context) {
	var request renewSweepRequest
	_ = ctx.ShouldBindJSON(&request)
	if request.Limit <= 0 {
		request.Limit = 100
	}
	renewedCount, err := server.credits.RenewDue(ctx.Request.Context(), time.Now(), request.Limit)
	if err != nil {
		server.respondError(ctx, "renewal sweep failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"renewed": renewedCount})
}

// respondError maps domain errors onto HTTP status codes. Unrecognized
// errors are logged and surfaced as 500s without leaking internals.
func (server *Server) respondError(ctx *gin.Context, logMessage string, err error) {
	switch {
	case errors.Is(err, credit.ErrInsufficientFunds):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "not enough credits"))
	case errors.Is(err, queue.ErrUnitsOverPlan),
		errors.Is(err, pricing.ErrInvalidUnits),
		errors.Is(err, pricing.ErrUnknownPlatform),
		errors.Is(err, pricing.ErrUnknownSearchType),
		errors.Is(err, credit.ErrInvalidPlan),
		errors.Is(err, credit.ErrInvalidUserID),
		errors.Is(err, credit.ErrInvalidAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, queue.ErrUnknownJob),
		errors.Is(err, credit.ErrUnknownAccount),
		errors.Is(err, credit.ErrUnknownTransaction):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, queue.ErrNotJobOwner):
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "job belongs to another user"))
	case errors.Is(err, queue.ErrJobClosed),
		errors.Is(err, credit.ErrInvalidTransaction),
		errors.Is(err, credit.ErrAccountExists),
		errors.Is(err, credit.ErrInvalidPlanChange),
		errors.Is(err, credit.ErrNegativeBalance):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", err.Error()))
	default:
		server.logger.Error(logMessage, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
	}
}
