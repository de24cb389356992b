package status

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/shopkeep/internal/session"
	"gorm.io/gorm"
)

const maxDeliveryLimit = 200

// registerRoutes sets up all status routes on the gin router.
func registerRoutes(router *gin.Engine, sessions Sessions, db *gorm.DB) {
	router.GET("/healthz", handleHealth(sessions))
	router.GET("/api/sessions", handleSessionList(sessions))
	router.GET("/api/sessions/:id", handleSessionDetail(sessions))
	router.GET("/api/deliveries", handleDeliveries(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func handleHealth(sessions Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		all := sessions.Statuses()
		live := 0
		for _, st := range all {
			if st.State == session.StateLive {
				live++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": len(all),
			"live":     live,
		})
	}
}

func handleSessionList(sessions Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": sessions.Statuses()})
	}
}

func handleSessionDetail(sessions Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, ok := sessions.Status(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no running session for credential"})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func handleDeliveries(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxDeliveryLimit)
		}
		rows, err := RecentDeliveries(c.Request.Context(), db, c.Query("credential"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deliveries": rows})
	}
}
