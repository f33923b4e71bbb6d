// Package hub 把有狀態服務接到 websocket 上
//
// 系統設計問題：
//
//	多人房間與線上狀態都需要伺服器主動推播，而且同一個使用者
//	在每個服務上只能有一條權威連線。
//
// 設計方案：
//
//	✅ WebSocket 全雙工：呼叫與推播共用一條連線
//	✅ Hub 模式：集中管理所有連線與群組
//	✅ 群組以使用者 ID 記錄：送出當下才解析到目前的連線，重連後仍在原本的群組
//	✅ 跨節點斷線：連線不在本節點時經由 NATS 廣播，由擁有連線的節點處理
//
// 連線流程：版本檢查 → 登記連線 → 服務 OnConnected
// 斷線流程：服務 OnDisconnected → 乾淨關閉（1000/1001）才移除登記
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/version"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// MethodSendTokenRefresh 每個有狀態服務都提供的 token 刷新方法
const MethodSendTokenRefresh = "SendTokenRefresh"

// Lifecycle 服務的連線生命週期
type Lifecycle interface {
	OnConnected(ctx context.Context, client connection.ClientState) error
	OnDisconnected(ctx context.Context, client connection.ClientState)
}

// Method 可被客戶端呼叫的方法
type Method func(ctx context.Context, client connection.ClientState, args json.RawMessage) (any, error)

// Endpoint 一個服務的生命週期與方法表
type Endpoint struct {
	Lifecycle Lifecycle
	Methods   map[string]Method
}

// VersionChecker 客戶端版本檢查
type VersionChecker interface {
	Check(ctx context.Context, service connection.ServiceType, headerValue string) error
}

// Config Hub 配置
type Config struct {
	// 單次呼叫的上限，包含等待租約的時間
	InvocationTimeout time.Duration

	// nil 代表接受所有來源
	CheckOrigin func(r *http.Request) bool
}

type userService struct {
	userID  int64
	service connection.ServiceType
}

type groupKey struct {
	service connection.ServiceType
	name    string
}

// Hub 連線中心
//
// 並發安全：mu 只保護連線與群組的 map，送出訊息在鎖外進行。
type Hub struct {
	config    Config
	registry  *connection.Registry
	checker   VersionChecker
	auth      Authenticator
	backplane Backplane
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	endpoints map[connection.ServiceType]Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	clients map[string]*Client // connection id -> client
	current map[userService]*Client
	groups  map[groupKey]map[int64]struct{}
}

var _ connection.Disconnector = (*Hub)(nil)

// New 創建 Hub，checker 為 nil 時不檢查版本
func New(config Config, registry *connection.Registry, checker VersionChecker, auth Authenticator, logger *slog.Logger) *Hub {
	if config.InvocationTimeout <= 0 {
		config.InvocationTimeout = 10 * time.Second
	}
	if auth == nil {
		auth = HeaderAuthenticator{}
	}

	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		config:   config,
		registry: registry,
		checker:  checker,
		auth:     auth,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		endpoints: make(map[connection.ServiceType]Endpoint),
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[string]*Client),
		current:   make(map[userService]*Client),
		groups:    make(map[groupKey]map[int64]struct{}),
	}
}

// Handle 註冊服務，必須在開始接受連線前完成
func (h *Hub) Handle(service connection.ServiceType, endpoint Endpoint) {
	h.endpoints[service] = endpoint
}

// ServeWS 處理 GET /ws/{service}
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	service := connection.ServiceType(r.PathValue("service"))
	endpoint, ok := h.endpoints[service]
	if !ok {
		http.Error(w, "unknown service", http.StatusNotFound)
		return
	}

	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		service: service,
		state: connection.ClientState{
			ConnectionID: uuid.NewString(),
			UserID:       identity.UserID,
			TokenID:      identity.TokenID,
		},
		versionHash: r.Header.Get(version.HashHeader),
		send:        make(chan outbound, sendBufferSize),
		done:        make(chan struct{}),
	}

	ctx := client.context(r.Context())

	if err := h.connect(ctx, client, endpoint); err != nil {
		if apperrors.IsVersionRejected(err) {
			h.logger.InfoContext(ctx, "client version rejected", "service", service)
			client.requestDisconnect("client version rejected")
		} else {
			h.logger.ErrorContext(ctx, "failed to set up connection", "service", service, "error", err)
			client.enqueue(outbound{closeCode: websocket.CloseInternalServerErr, reason: "connection setup failed"})
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			client.writePump()
		}()
		return
	}

	h.logger.InfoContext(ctx, "websocket connected", "service", service)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// connect 版本檢查 → 登記連線 → 服務 OnConnected，任何一步失敗都復原
func (h *Hub) connect(ctx context.Context, client *Client, endpoint Endpoint) error {
	if h.checker != nil {
		if err := h.checker.Check(ctx, client.service, client.versionHash); err != nil {
			return err
		}
	}

	stateful := connection.IsStateful(client.service)
	if stateful {
		if err := h.registry.Register(ctx, client.info()); err != nil {
			return err
		}
	}

	h.add(client)

	if err := endpoint.Lifecycle.OnConnected(ctx, client.state); err != nil {
		h.remove(client)
		if stateful {
			if unregisterErr := h.registry.Unregister(ctx, client.info()); unregisterErr != nil {
				h.logger.WarnContext(ctx, "failed to unregister connection", "error", unregisterErr)
			}
		}
		return err
	}
	return nil
}

// disconnected readPump 結束後呼叫
func (h *Hub) disconnected(client *Client, clean bool) {
	h.remove(client)

	ctx, cancel := context.WithTimeout(client.context(context.WithoutCancel(h.ctx)), h.config.InvocationTimeout)
	defer cancel()

	if endpoint, ok := h.endpoints[client.service]; ok {
		endpoint.Lifecycle.OnDisconnected(ctx, client.state)
	}

	// 非正常斷線保留登記，讓客戶端用同一個 token 重連
	if clean && connection.IsStateful(client.service) {
		if err := h.registry.Unregister(ctx, client.info()); err != nil {
			h.logger.WarnContext(ctx, "failed to unregister connection", "error", err)
		}
	}

	h.logger.InfoContext(ctx, "websocket disconnected",
		"service", client.service,
		"clean", clean)
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.state.ConnectionID] = client
	h.current[userService{client.state.UserID, client.service}] = client
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, client.state.ConnectionID)

	key := userService{client.state.UserID, client.service}
	if h.current[key] == client {
		delete(h.current, key)
	}
}

// invoke 版本檢查 → 驗證連線 → 分派
func (h *Hub) invoke(ctx context.Context, client *Client, inv invocation) (any, error) {
	if h.checker != nil {
		if err := h.checker.Check(ctx, client.service, client.versionHash); err != nil {
			return nil, err
		}
	}

	stateful := connection.IsStateful(client.service)
	if stateful {
		if err := h.registry.Validate(ctx, client.info()); err != nil {
			return nil, err
		}
		if inv.Method == MethodSendTokenRefresh {
			return nil, h.refreshToken(ctx, client, inv.Args)
		}
	}

	method, ok := h.endpoints[client.service].Methods[inv.Method]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown method %q", inv.Method)
	}
	return method(ctx, client.state, inv.Args)
}

type tokenRefreshArgs struct {
	Token string `json:"token"`
}

func (h *Hub) refreshToken(ctx context.Context, client *Client, raw json.RawMessage) error {
	args, err := decodeArgs[tokenRefreshArgs](raw)
	if err != nil {
		return err
	}

	tokenID, err := h.auth.TokenID(args.Token)
	if err != nil {
		return err
	}
	return h.registry.AddToken(ctx, client.info(), tokenID)
}

// RequestDisconnect 實現 connection.Disconnector
//
// 連線在本節點就直接處理，否則交給 backplane 廣播。
func (h *Hub) RequestDisconnect(ctx context.Context, service connection.ServiceType, connectionID string) error {
	if h.disconnectLocal(service, connectionID) {
		return nil
	}

	if h.backplane == nil {
		h.logger.DebugContext(ctx, "connection to disconnect not found",
			"service", service,
			"target_connection_id", connectionID)
		return nil
	}
	return h.backplane.PublishDisconnect(ctx, service, connectionID)
}

// disconnectLocal 連線屬於本節點時要求斷線
func (h *Hub) disconnectLocal(service connection.ServiceType, connectionID string) bool {
	h.mu.RLock()
	client, ok := h.clients[connectionID]
	h.mu.RUnlock()

	if !ok || client.service != service {
		return false
	}

	h.logger.Info("requesting disconnect",
		"user_id", client.state.UserID,
		"connection_id", connectionID,
		"service", service)
	client.requestDisconnect("connection replaced")
	return true
}

// AttachBackplane 接上跨節點斷線通道
func (h *Hub) AttachBackplane(backplane Backplane) error {
	if err := backplane.SubscribeDisconnect(func(service connection.ServiceType, connectionID string) {
		h.disconnectLocal(service, connectionID)
	}); err != nil {
		return err
	}
	h.backplane = backplane
	return nil
}

// Notifier 某個服務的推播介面
//
// 群組名稱只在同一個服務內有效，送出時解析到使用者在該服務上的連線。
func (h *Hub) Notifier(service connection.ServiceType) notify.Notifier {
	return &serviceNotifier{hub: h, service: service}
}

// Members 群組成員，順序不固定
func (h *Hub) Members(service connection.ServiceType, group string) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]int64, 0, len(h.groups[groupKey{service, group}]))
	for userID := range h.groups[groupKey{service, group}] {
		members = append(members, userID)
	}
	return members
}

// Stats 連線統計
type Stats struct {
	Connections int `json:"connections"`
	Groups      int `json:"groups"`
}

// Stats 目前的連線數與群組數
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		Connections: len(h.clients),
		Groups:      len(h.groups),
	}
}

// Stop 關閉所有連線，等待斷線流程完成或 ctx 到期
func (h *Hub) Stop(ctx context.Context) error {
	h.cancel()

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.enqueue(outbound{closeCode: websocket.CloseGoingAway, reason: "server shutting down"})
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		for _, client := range clients {
			client.close()
		}
		err = ctx.Err()
	}

	if h.backplane != nil {
		if closeErr := h.backplane.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}

	h.logger.Info("websocket hub stopped", "connections", len(clients))
	return err
}

// serviceNotifier 實現 notify.Notifier
type serviceNotifier struct {
	hub     *Hub
	service connection.ServiceType
}

func (n *serviceNotifier) JoinGroup(_ context.Context, group string, userID int64) {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()

	key := groupKey{n.service, group}
	if n.hub.groups[key] == nil {
		n.hub.groups[key] = make(map[int64]struct{})
	}
	n.hub.groups[key][userID] = struct{}{}
}

func (n *serviceNotifier) LeaveGroup(_ context.Context, group string, userID int64) {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()

	key := groupKey{n.service, group}
	members, ok := n.hub.groups[key]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(n.hub.groups, key)
	}
}

func (n *serviceNotifier) SendGroup(ctx context.Context, group string, event notify.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		n.hub.logger.ErrorContext(ctx, "failed to marshal event", "event", event.Type, "error", err)
		return
	}

	n.hub.mu.RLock()
	members := n.hub.groups[groupKey{n.service, group}]
	targets := make([]*Client, 0, len(members))
	for userID := range members {
		if client, ok := n.hub.current[userService{userID, n.service}]; ok {
			targets = append(targets, client)
		}
	}
	n.hub.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(outbound{data: data})
	}
}

func (n *serviceNotifier) SendUser(ctx context.Context, userID int64, event notify.Event) {
	n.hub.mu.RLock()
	client, ok := n.hub.current[userService{userID, n.service}]
	n.hub.mu.RUnlock()

	if !ok {
		n.hub.logger.DebugContext(ctx, "user not connected", "user_id", userID, "event", event.Type)
		return
	}
	client.sendEvent(event)
}
