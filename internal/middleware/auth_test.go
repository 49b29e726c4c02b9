package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/mocks"
)

func setupAuthRouter(resolver *mocks.TokenResolverMock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuthMiddleware(resolver))
	router.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetInt("userID")})
	})
	return router
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	resolver := new(mocks.TokenResolverMock)
	resolver.On("Resolve", mock.Anything, "good-token").Return(42, nil).Once()

	router := setupAuthRouter(resolver)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":42`)
	resolver.AssertExpectations(t)
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	resolver := new(mocks.TokenResolverMock)

	router := setupAuthRouter(resolver)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestAuthMiddlewareRejectsNonBearerScheme(t *testing.T) {
	resolver := new(mocks.TokenResolverMock)

	router := setupAuthRouter(resolver)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	resolver := new(mocks.TokenResolverMock)
	resolver.On("Resolve", mock.Anything, "bad-token").Return(0, errors.New("invalid token")).Once()

	router := setupAuthRouter(resolver)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
