package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/railtab/internal/authorization"
	bgdomain "github.com/smallbiznis/railtab/internal/billinggroup/domain"
)

func (s *Server) ValidateBillingGroupDeletion(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	validation, err := s.deletionSvc.ValidateDeletion(c.Request.Context(), groupID, orgIDFromRequest(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// A blocked verdict is still a successful validation.
	c.JSON(http.StatusOK, validation)
}

type deleteBillingGroupRequest struct {
	Force                  *bool   `json:"force"`
	MoveLineItemsToGroupID *bodyID `json:"moveLineItemsToGroupId"`
}

func (s *Server) DeleteBillingGroup(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body deleteBillingGroupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	force := body.Force != nil && *body.Force
	if raw := strings.TrimSpace(c.Query("force")); raw != "" {
		force, err = strconv.ParseBool(raw)
		if err != nil {
			AbortWithError(c, newValidationError("force", "invalid_force", "invalid force"))
			return
		}
	}
	var moveTo *snowflake.ID
	if body.MoveLineItemsToGroupID != nil {
		target := snowflake.ID(*body.MoveLineItemsToGroupID)
		moveTo = &target
	}
	if raw := strings.TrimSpace(c.Query("move_line_items_to")); raw != "" {
		target, err := snowflake.ParseString(raw)
		if err != nil || target <= 0 {
			AbortWithError(c, newValidationError("move_line_items_to", "invalid_move_line_items_to", "invalid move_line_items_to"))
			return
		}
		moveTo = &target
	}

	if force {
		if err := s.authorize(c, authorization.ObjectBillingGroup, authorization.ActionBillingGroupForceDelete); err != nil {
			AbortWithError(c, err)
			return
		}
	}

	result, err := s.deletionSvc.DeleteBillingGroup(c.Request.Context(), bgdomain.DeleteRequest{
		BillingGroupID:         groupID,
		OrgID:                  orgIDFromRequest(c),
		UserID:                 userIDFromRequest(c),
		SkipValidation:         force,
		MoveLineItemsToGroupID: moveTo,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":             "Billing group deleted",
		"warnings":            result.Warnings,
		"billingGroup":        result.BillingGroup,
		"movedLineItems":      result.MovedLineItems,
		"lineItemsMovedTo":    result.LineItemsMovedTo,
		"deletedDraftInvoice": result.DeletedDraftInvoice,
		"forced":              result.Forced,
	})
}

func (s *Server) CreateDefaultBillingGroup(c *gin.Context) {
	tabID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	group, err := s.deletionSvc.GetOrCreateDefaultBillingGroup(c.Request.Context(), tabID, orgIDFromRequest(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"billingGroup": group})
}
