package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_CarriesTraceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set("traceID", "trace-1")

	Error(c, http.StatusUnprocessableEntity, ErrExceedsRefundable, "amount exceeds refundable remainder")

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, ErrExceedsRefundable, resp.Code)
	assert.Equal(t, "trace-1", resp.TraceID)
}

func TestSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Success(c, gin.H{"expired": 2})

	assert.JSONEq(t, `{"code":0,"message":"success","data":{"expired":2}}`, w.Body.String())
}
