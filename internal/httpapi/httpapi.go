package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"posledger/internal/domain"
	"posledger/internal/service"
	"posledger/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current or previous hour bucket, giving a
// 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/companies", a.requireAuth(a.handleCompanies, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/companies/", a.requireAuth(a.handleCompanyActions, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/suppliers", a.requireAuth(a.handleSuppliers, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/purchases", a.requireAuth(a.handlePurchases, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/purchases/", a.requireAuth(a.handlePurchaseActions, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/numbering-ranges", a.requireAuth(a.handleNumberingRanges, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/returns", a.requireAuth(a.handleReturns, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/returns/", a.requireAuth(a.handleReturnActions, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/drawers/open", a.requireAuth(a.handleDrawerOpen, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/drawers/current", a.requireAuth(a.handleDrawerCurrent, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/drawers/close", a.requireAuth(a.handleDrawerClose, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/expenses", a.requireAuth(a.handleExpenses, domain.RoleOperator, domain.RoleSupervisor, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/reports/daily", a.requireAuth(a.handleDailyReport, domain.RoleSupervisor, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// scopeCompany pins a request to the actor's company. Only admins may act
// on another company.
func scopeCompany(r *http.Request, requested string) (string, error) {
	actor, ok := service.ActorFromContext(r.Context())
	if !ok {
		return "", errors.New("missing actor")
	}
	if requested == "" || requested == actor.CompanyID {
		return actor.CompanyID, nil
	}
	if actor.Role != domain.RoleAdmin {
		return "", errors.New("company mismatch")
	}
	return requested, nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleCompanies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CompanyCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	company, err := a.service.CreateCompany(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, company)
}

func (a *API) handleCompanyActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	requested := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/companies/"), "/")
	companyID, err := scopeCompany(r, requested)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	company, err := a.service.GetCompany(r.Context(), companyID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, company)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		products, err := a.service.ListProducts(r.Context(), companyID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		actor, _ := service.ActorFromContext(r.Context())
		if actor.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		companyID, err := scopeCompany(r, req.CompanyID)
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		req.CompanyID = companyID
		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, product)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleProductActions serves /api/v1/products/{id}, {id}/kardex and
// {id}/lots.
func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/products/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing product id"))
		return
	}
	productID := parts[0]

	companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	switch {
	case len(parts) == 1:
		product, err := a.service.GetProduct(r.Context(), companyID, productID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, product)
	case len(parts) == 2 && parts[1] == "kardex":
		report, err := a.service.GetKardex(r.Context(), companyID, productID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case len(parts) == 2 && parts[1] == "lots":
		onlyAvailable := r.URL.Query().Get("available") == "true"
		lots, err := a.service.ListLots(r.Context(), companyID, productID, onlyAvailable)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lots": lots})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown product action"))
	}
}

func (a *API) handleSuppliers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		suppliers, err := a.service.ListSuppliers(r.Context(), companyID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suppliers": suppliers})
	case http.MethodPost:
		var req domain.SupplierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		companyID, err := scopeCompany(r, req.CompanyID)
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		req.CompanyID = companyID
		supplier, err := a.service.CreateSupplier(r.Context(), req)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, supplier)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		purchases, err := a.service.ListPurchases(r.Context(), companyID, limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.PurchaseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	companyID, err := scopeCompany(r, req.CompanyID)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	req.CompanyID = companyID

	purchase, err := a.service.CreatePurchase(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, purchase)
}

func (a *API) handlePurchaseActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	purchaseID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/purchases/"), "/")
	if purchaseID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing purchase id"))
		return
	}
	companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	purchase, err := a.service.GetPurchase(r.Context(), companyID, purchaseID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

func (a *API) handleNumberingRanges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		ranges, err := a.service.ListNumberingRanges(r.Context(), companyID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"numbering_ranges": ranges})
	case http.MethodPost:
		var req domain.NumberingRangeCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		companyID, err := scopeCompany(r, req.CompanyID)
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		req.CompanyID = companyID
		created, err := a.service.CreateNumberingRange(r.Context(), req)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		sales, err := a.service.ListSales(r.Context(), companyID, r.URL.Query().Get("date"), limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	var req domain.SaleCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	companyID, err := scopeCompany(r, req.CompanyID)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	req.CompanyID = companyID
	if req.OperatorID == "" {
		req.OperatorID = actor.UserID
	}

	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	status := http.StatusCreated
	if sale.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, sale)
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	saleID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sales/"), "/")
	if saleID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing sale id"))
		return
	}
	companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	sale, err := a.service.GetSale(r.Context(), companyID, saleID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	var req domain.ReturnCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	companyID, err := scopeCompany(r, req.CompanyID)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	req.CompanyID = companyID
	if req.OperatorID == "" {
		req.OperatorID = actor.UserID
	}

	note, err := a.service.CreateReturn(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (a *API) handleReturnActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	noteID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/returns/"), "/")
	if noteID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing credit note id"))
		return
	}
	companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	note, err := a.service.GetCreditNote(r.Context(), companyID, noteID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (a *API) handleDrawerOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	var req domain.DrawerOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	companyID, err := scopeCompany(r, req.CompanyID)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	req.CompanyID = companyID
	if req.OperatorID == "" {
		req.OperatorID = actor.UserID
	}

	drawer, err := a.service.OpenDrawer(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drawer)
}

func (a *API) handleDrawerCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	operatorID := r.URL.Query().Get("operator_id")
	if operatorID == "" {
		operatorID = actor.UserID
	}

	drawer, err := a.service.GetOpenDrawer(r.Context(), companyID, operatorID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drawer)
}

func (a *API) handleDrawerClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	var req domain.DrawerCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	companyID, err := scopeCompany(r, req.CompanyID)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	req.CompanyID = companyID
	if req.OperatorID == "" {
		req.OperatorID = actor.UserID
	}

	drawer, err := a.service.CloseDrawer(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drawer)
}

func (a *API) handleExpenses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	var req domain.ExpenseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	companyID, err := scopeCompany(r, req.CompanyID)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	req.CompanyID = companyID
	if req.OperatorID == "" {
		req.OperatorID = actor.UserID
	}

	expense, err := a.service.RecordExpense(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, expense)
}

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	summary, err := a.service.GetDailySummary(r.Context(), companyID, r.URL.Query().Get("date"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	companyID, err := scopeCompany(r, r.URL.Query().Get("company_id"))
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	var from, to time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		if parsed, err := time.Parse("2006-01-02", raw); err == nil {
			from = parsed
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if parsed, err := time.Parse("2006-01-02", raw); err == nil {
			to = parsed.AddDate(0, 0, 1)
		}
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), companyID, from, to, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.UserCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	companyID, err := scopeCompany(r, req.CompanyID)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	req.CompanyID = companyID

	user, err := a.service.CreateUser(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(startedAt).String(),
		}).Info("request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeStoreError maps repository error values onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalidRequest), errors.Is(err, store.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrInsufficientInventory),
		errors.Is(err, store.ErrNoActiveRange),
		errors.Is(err, store.ErrRangeExhausted),
		errors.Is(err, store.ErrDrawerNotOpen),
		errors.Is(err, store.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 4xx bodies carry the real message; 5xx bodies stay generic so internal
	// details never leak to clients.
	msg := err.Error()
	if status >= 500 {
		logrus.WithError(err).WithField("status", status).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
