package netcode

import "github.com/VictoriaMetrics/metrics"

// serverMetrics mirrors the nested struct-of-counters shape used throughout
// the rest of this module's metrics code: one set per Server instance,
// initialized eagerly (not lazily) since a Server's lifetime already spans
// the whole process.
type serverMetrics struct {
	set *metrics.Set

	requestsTotal struct {
		accepted              *metrics.Counter
		rejectInvalid         *metrics.Counter
		rejectExpired         *metrics.Counter
		rejectBadAead         *metrics.Counter
		rejectSocketMismatch  *metrics.Counter
		rejectNotInHostList   *metrics.Counter
		rejectDuplicateClient *metrics.Counter
		rejectTokenReused     *metrics.Counter
		rejectPendingFull     *metrics.Counter
		rejectServerFull      *metrics.Counter
		rejectBadChallenge    *metrics.Counter
	}

	decodeErrorsTotal         *metrics.Counter
	clientsConnectedTotal     *metrics.Counter
	clientsDisconnectedTotal  *metrics.Counter
	timeoutsTotal             *metrics.Counter
	pendingExpired            *metrics.Counter
}

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{set: metrics.NewSet()}
	m.requestsTotal.accepted = m.set.NewCounter(`netcode_server_connection_requests_total{result="accepted"}`)
	m.requestsTotal.rejectInvalid = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_invalid"}`)
	m.requestsTotal.rejectExpired = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_expired"}`)
	m.requestsTotal.rejectBadAead = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_bad_aead"}`)
	m.requestsTotal.rejectSocketMismatch = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_socket_mismatch"}`)
	m.requestsTotal.rejectNotInHostList = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_not_in_host_list"}`)
	m.requestsTotal.rejectDuplicateClient = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_duplicate_client"}`)
	m.requestsTotal.rejectTokenReused = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_token_reused"}`)
	m.requestsTotal.rejectPendingFull = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_pending_full"}`)
	m.requestsTotal.rejectServerFull = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_server_full"}`)
	m.requestsTotal.rejectBadChallenge = m.set.NewCounter(`netcode_server_connection_requests_total{result="reject_bad_challenge"}`)

	m.decodeErrorsTotal = m.set.NewCounter(`netcode_server_decode_errors_total`)
	m.clientsConnectedTotal = m.set.NewCounter(`netcode_server_clients_connected_total`)
	m.clientsDisconnectedTotal = m.set.NewCounter(`netcode_server_clients_disconnected_total`)
	m.timeoutsTotal = m.set.NewCounter(`netcode_server_timeouts_total`)
	m.pendingExpired = m.set.NewCounter(`netcode_server_pending_expired_total`)

	return m
}

func (m *serverMetrics) asSet() *metrics.Set {
	return m.set
}
