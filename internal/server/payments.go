package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	bgdomain "github.com/smallbiznis/railtab/internal/billinggroup/domain"
)

type allocatePaymentRequest struct {
	BillingGroupIDs []bodyID `json:"billingGroupIds"`
	Method          string   `json:"method"`
	// LineItemAllocations is keyed by billing group id.
	LineItemAllocations map[string][]bgdomain.LineItemAllocation `json:"lineItemAllocations"`
}

func (s *Server) AllocatePayment(c *gin.Context) {
	paymentID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body allocatePaymentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := bgdomain.AllocateRequest{
		PaymentID:       paymentID,
		BillingGroupIDs: bodyIDs(body.BillingGroupIDs),
		Method:          bgdomain.AllocationMethod(strings.TrimSpace(body.Method)),
	}
	if len(body.LineItemAllocations) > 0 {
		req.LineItemAllocations = make(map[snowflake.ID][]bgdomain.LineItemAllocation, len(body.LineItemAllocations))
		for rawID, items := range body.LineItemAllocations {
			groupID, err := snowflake.ParseString(strings.TrimSpace(rawID))
			if err != nil || groupID <= 0 {
				AbortWithError(c, newValidationError("lineItemAllocations", "invalid_billing_group_id", "invalid billing group id "+rawID))
				return
			}
			req.LineItemAllocations[groupID] = items
		}
	}

	result, err := s.allocationSvc.Allocate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment":       result.Payment,
		"allocations":   result.Allocations,
		"updatedGroups": result.UpdatedGroups,
		"method":        result.Method,
		"unallocated":   result.Unallocated,
	})
}

func (s *Server) ReversePaymentAllocation(c *gin.Context) {
	paymentID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.allocationSvc.ReverseAllocation(c.Request.Context(), paymentID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Payment allocations reversed", "paymentId": paymentID})
}

const maxWebhookBytes = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("body", "payload_too_large", "payload too large"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.webhookSvc.IngestWebhook(c.Request.Context(), c.Param("provider"), payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
