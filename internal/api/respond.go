package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/agentctrl/internal/common/apperrors"
)

// respondErr writes the coordinator's standard {"detail": ...} error
// envelope, mapping AppError to its declared HTTP status.
func respondErr(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"detail": apperrors.GetDetail(err)})
}
