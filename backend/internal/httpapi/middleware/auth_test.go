package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, roomID string, userID uint64, typ string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		RoomID:   roomID,
		UserID:   userID,
		Username: "alice",
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func runRequest(t *testing.T, target string, header string) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	var captured *gin.Context
	r := gin.New()
	r.GET("/ws", AuthMiddleware(testSecret), func(c *gin.Context) {
		captured = c
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)
	return w, captured
}

func TestAuthMiddleware_ValidBearer(t *testing.T) {
	token := signToken(t, "room-a", 7, "access", time.Minute)
	w, c := runRequest(t, "/ws", "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := c.GetString("roomId"); got != "room-a" {
		t.Fatalf("roomId = %q, want room-a", got)
	}
	if got := c.GetUint64("userId"); got != 7 {
		t.Fatalf("userId = %d, want 7", got)
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	token := signToken(t, "room-a", 7, "access", time.Minute)
	w, _ := runRequest(t, "/ws?token="+token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	w, _ := runRequest(t, "/ws", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	token := signToken(t, "room-a", 7, "access", -time.Minute)
	w, _ := runRequest(t, "/ws", "Bearer "+token)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongSecret(t *testing.T) {
	claims := &Claims{RoomID: "room-a", UserID: 7, Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	w, _ := runRequest(t, "/ws", "Bearer "+token)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_RefreshTokenRejected(t *testing.T) {
	token := signToken(t, "room-a", 7, "refresh", time.Minute)
	w, _ := runRequest(t, "/ws", "Bearer "+token)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_MissingRoomClaim(t *testing.T) {
	token := signToken(t, "", 7, "access", time.Minute)
	w, _ := runRequest(t, "/ws", "Bearer "+token)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}
