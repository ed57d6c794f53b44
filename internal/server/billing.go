package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/billingsync/internal/checkout/domain"
	paymentdomain "github.com/smallbiznis/billingsync/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	"github.com/smallbiznis/billingsync/pkg/db/pagination"
	"go.uber.org/zap"
)

type checkoutRequest struct {
	Plan       string `json:"plan"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type changePlanRequest struct {
	Plan              string `json:"plan"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

type cancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	tenantID, ok := tenantIDFrom(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sess, err := s.checkoutSvc.StartUpgrade(c.Request.Context(), tenantID, normalizePlan(req.Plan), checkoutdomain.ReturnURLs{
		SuccessURL: strings.TrimSpace(req.SuccessURL),
		CancelURL:  strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sess})
}

func (s *Server) GetSubscription(c *gin.Context) {
	tenantID, ok := tenantIDFrom(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	record, err := s.subscriptionSvc.GetOrCreate(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) ChangePlan(c *gin.Context) {
	tenantID, ok := tenantIDFrom(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Plan) == "" {
		AbortWithError(c, newValidationError("plan", "required", "plan is required"))
		return
	}

	record, err := s.checkoutSvc.ChangePlan(c.Request.Context(), tenantID, normalizePlan(req.Plan), req.CancelAtPeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	tenantID, ok := tenantIDFrom(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	record, err := s.checkoutSvc.Cancel(c.Request.Context(), tenantID, req.AtPeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) ListPayments(c *gin.Context) {
	tenantID, ok := tenantIDFrom(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var query struct {
		pagination.Pagination
		Status string `form:"status"`
		Type   string `form:"type"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.List(c.Request.Context(), paymentdomain.ListRequest{
		TenantID:  &tenantID,
		Status:    strings.TrimSpace(query.Status),
		Type:      strings.TrimSpace(query.Type),
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) SyncSubscription(c *gin.Context) {
	tenantID, ok := tenantIDFrom(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	record, err := s.reconcileSvc.Sync(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if record == nil {
		c.JSON(http.StatusOK, gin.H{"data": nil, "synced": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record, "synced": true})
}

type currencySummary struct {
	Currency            string `json:"currency"`
	TotalSucceeded      int64  `json:"total_succeeded"`
	TotalRefunded       int64  `json:"total_refunded"`
	TotalSucceededMajor string `json:"total_succeeded_major"`
	TotalRefundedMajor  string `json:"total_refunded_major"`
	Count               int64  `json:"count"`
}

type summaryResponse struct {
	Plan            subscriptiondomain.Plan         `json:"plan"`
	Subscription    subscriptiondomain.Subscription `json:"subscription"`
	NextPaymentDate *time.Time                      `json:"next_payment_date"`
	Revenue         []currencySummary               `json:"revenue"`
}

func (s *Server) GetSummary(c *gin.Context) {
	tenantID, ok := tenantIDFrom(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}
	ctx := c.Request.Context()

	record, err := s.subscriptionSvc.GetOrCreate(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	totals, err := s.paymentSvc.Summary(ctx, &tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := summaryResponse{
		Plan:            record.Plan,
		Subscription:    record,
		NextPaymentDate: nextPaymentDate(record),
		Revenue:         make([]currencySummary, 0, len(totals.Totals)),
	}
	for _, t := range totals.Totals {
		resp.Revenue = append(resp.Revenue, currencySummary{
			Currency:            t.Currency,
			TotalSucceeded:      t.TotalSucceeded,
			TotalRefunded:       t.TotalRefunded,
			TotalSucceededMajor: toMajorUnits(t.TotalSucceeded, t.Currency),
			TotalRefundedMajor:  toMajorUnits(t.TotalRefunded, t.Currency),
			Count:               t.Count,
		})
	}

	s.log.Debug("billing summary served", zap.String("tenant_id", tenantID.String()), zap.Int("currencies", len(resp.Revenue)))
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// nextPaymentDate is the end of the current period for a subscription that renews.
func nextPaymentDate(record subscriptiondomain.Subscription) *time.Time {
	if !record.HasExternalSubscription() || record.CancelAtPeriodEnd {
		return nil
	}
	switch record.Status {
	case subscriptiondomain.StatusTrialing:
		if record.TrialEnd != nil {
			return record.TrialEnd
		}
		return record.CurrentPeriodEnd
	case subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue:
		return record.CurrentPeriodEnd
	}
	return nil
}

func normalizePlan(raw string) subscriptiondomain.Plan {
	return subscriptiondomain.Plan(strings.ToLower(strings.TrimSpace(raw)))
}
