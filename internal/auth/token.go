package auth

import (
	"fmt"
	"time"

	"github.com/BradenHooton/stepguard/internal/loginflow"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const flowTokenType = "login_flow"

// FlowTokenManager signs login flow state so it can travel between steps
type FlowTokenManager struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewFlowTokenManager creates a new FlowTokenManager
func NewFlowTokenManager(secret string, expiry time.Duration) *FlowTokenManager {
	return &FlowTokenManager{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

// Issue signs the flow. Every token carries a fresh JTI.
func (tm *FlowTokenManager) Issue(flow loginflow.Flow) (string, error) {
	now := tm.now()

	claims := &models.FlowClaims{
		Type:          flowTokenType,
		UserID:        flow.UserID,
		Role:          flow.Role,
		State:         string(flow.State),
		DeviceHash:    flow.DeviceHash,
		DeviceLabel:   flow.DeviceLabel,
		IPAddress:     flow.IPAddress,
		DeviceKnown:   flow.DeviceKnown,
		DeviceFlagged: flow.DeviceFlagged,
		RiskLevel:     string(flow.RiskLevel),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   flow.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if !flow.LastIssuedAt.IsZero() {
		claims.LastIssuedAt = flow.LastIssuedAt.Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign flow token: %w", err)
	}

	return tokenString, nil
}

// Parse verifies a flow token and restores the flow.
// Expired or tampered tokens return models.ErrFlowExpired.
func (tm *FlowTokenManager) Parse(tokenString string) (loginflow.Flow, error) {
	claims := &models.FlowClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	}, jwt.WithTimeFunc(tm.now))
	if err != nil || !token.Valid {
		return loginflow.Flow{}, models.ErrFlowExpired
	}

	if claims.Type != flowTokenType || claims.UserID == "" {
		return loginflow.Flow{}, models.ErrFlowExpired
	}

	flow := loginflow.Flow{
		State:         loginflow.State(claims.State),
		UserID:        claims.UserID,
		Role:          claims.Role,
		DeviceHash:    claims.DeviceHash,
		DeviceLabel:   claims.DeviceLabel,
		IPAddress:     claims.IPAddress,
		DeviceKnown:   claims.DeviceKnown,
		DeviceFlagged: claims.DeviceFlagged,
		RiskLevel:     models.RiskLevel(claims.RiskLevel),
	}
	if claims.LastIssuedAt > 0 {
		flow.LastIssuedAt = time.Unix(claims.LastIssuedAt, 0)
	}

	return flow, nil
}
