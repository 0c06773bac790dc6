package api

import "net/http"

// serviceManifest is the static JSON banner served at the root path.
const serviceManifest = `{
  "name": "billgate",
  "message": "Bill payment API is running",
  "api_base": "/api/v1/bills",
  "auth": {
    "type": "api_key",
    "header": "X-API-Key",
    "query": "apiKey"
  },
  "endpoints": {
    "query": "/api/v1/bills/query",
    "query_detailed": "/api/v1/bills/query-detailed",
    "pay": "/api/v1/bills/pay",
    "unpaid": "/api/v1/bills/banking/query",
    "admin_add": "/api/v1/bills/admin/add",
    "admin_batch": "/api/v1/bills/admin/batch-upload",
    "chat": "/api/v1/chat"
  },
  "health": "/health",
  "metrics": "/metrics"
}`

// BannerHandler returns the static service manifest.
func BannerHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(serviceManifest))
}
