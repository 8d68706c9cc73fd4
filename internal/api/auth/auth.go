package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Handler 实现单操作员的登录与令牌签发。
//
// 系统没有多用户模型：唯一的操作员凭证来自配置，密码以 bcrypt
// 哈希存储在内存里（配置里是明文或哈希都接受）。
type Handler struct {
	jwtSecret    []byte
	operatorName string
	passwordHash []byte
	logger       *slog.Logger
}

// NewHandler 创建认证处理器。
//
// operatorPassword 以 "$2" 开头时视为现成的 bcrypt 哈希，否则启动时
// 哈希一次。密码为空表示禁用登录（所有登录请求都会被拒绝）。
func NewHandler(jwtSecret, operatorName, operatorPassword string, logger *slog.Logger) *Handler {
	var hash []byte
	if operatorPassword != "" {
		if strings.HasPrefix(operatorPassword, "$2") {
			hash = []byte(operatorPassword)
		} else {
			generated, err := bcrypt.GenerateFromPassword([]byte(operatorPassword), bcrypt.DefaultCost)
			if err == nil {
				hash = generated
			} else {
				logger.Error("hash operator password failed", slog.String("error", err.Error()))
			}
		}
	}

	return &Handler{
		jwtSecret:    []byte(jwtSecret),
		operatorName: operatorName,
		passwordHash: hash,
		logger:       logger,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 校验操作员凭证并签发 JWT（24 小时有效）。
//
// POST /login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
		return
	}

	if len(h.passwordHash) == 0 || req.Username != h.operatorName {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth", "message": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)); err != nil {
		h.logger.Warn("operator login rejected", slog.String("username", req.Username))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth", "message": "invalid credentials"})
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   h.operatorName,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(h.jwtSecret)
	if err != nil {
		h.logger.Error("sign token failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "sign token failed"})
		return
	}

	h.logger.Info("operator logged in", slog.String("username", req.Username))
	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_at": claims.ExpiresAt.Time,
	})
}
