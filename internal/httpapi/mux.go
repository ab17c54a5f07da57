package httpapi

import (
	"database/sql"
	"net/http"
)

func NewMux(db *sql.DB, ingest IngestHealth, broker BrokerStatus) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, ingest, broker)
	return mux
}
