// ABOUTME: Request log storage operations.
// ABOUTME: Handles inserting and querying HTTP request logs written by the logging middleware.

package store

import (
	"context"
	"time"
)

// RequestLog represents an HTTP request log entry
type RequestLog struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"requestId"`
	PluginName string    `json:"pluginName,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"statusCode"`
	DurationMs int       `json:"durationMs"`
	UserID     string    `json:"userId,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// LogRequest inserts a request log entry. A zero Timestamp means now.
func (s *Store) LogRequest(ctx context.Context, log *RequestLog) error {
	ts := log.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (timestamp, request_id, plugin_name, method, path, status_code, duration_ms, user_id, ip_address, user_agent, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ts.UTC(), log.RequestID, log.PluginName, log.Method, log.Path, log.StatusCode, log.DurationMs, log.UserID, log.IPAddress, log.UserAgent, log.Error)
	return err
}

// RequestLogQuery represents filters for request logs
type RequestLogQuery struct {
	Limit      int
	Offset     int
	PluginName string
	Method     string
	PathPrefix string
	StatusCode int
}

// RequestLogStats represents aggregate statistics
type RequestLogStats struct {
	TotalRequests   int `json:"totalRequests"`
	TodayRequests   int `json:"todayRequests"`
	ErrorRequests   int `json:"errorRequests"`
	AvgDurationMs   int `json:"avgDurationMs"`
	UniqueEndpoints int `json:"uniqueEndpoints"`
}

// EndpointCount is one row of GetTopEndpoints.
type EndpointCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
	AvgMs int    `json:"avgMs"`
}

const requestLogColumns = `id, timestamp, COALESCE(request_id, ''), COALESCE(plugin_name, ''), method, path,
	COALESCE(status_code, 0), COALESCE(duration_ms, 0), COALESCE(user_id, ''), COALESCE(ip_address, ''),
	COALESCE(user_agent, ''), COALESCE(error, '')`

// GetRequestLogs retrieves request logs with filtering, newest first.
func (s *Store) GetRequestLogs(ctx context.Context, q *RequestLogQuery) ([]*RequestLog, error) {
	var w where
	w.addIf(q.PluginName != "", "plugin_name = ?", q.PluginName)
	w.addIf(q.Method != "", "method = ?", q.Method)
	w.addIf(q.PathPrefix != "", `path LIKE ? ESCAPE '\'`, likePrefix(q.PathPrefix))
	w.addIf(q.StatusCode > 0, "status_code = ?", q.StatusCode)

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + requestLogColumns + ` FROM request_logs` + w.String() +
		" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args := append(w.args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		log := &RequestLog{}
		if err := rows.Scan(&log.ID, &log.Timestamp, &log.RequestID, &log.PluginName, &log.Method, &log.Path,
			&log.StatusCode, &log.DurationMs, &log.UserID, &log.IPAddress, &log.UserAgent, &log.Error); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// GetRequestLogStats returns aggregate statistics
func (s *Store) GetRequestLogStats(ctx context.Context, now time.Time) (*RequestLogStats, error) {
	stats := &RequestLogStats{}
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UTC()

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0),
			COALESCE(CAST(AVG(duration_ms) AS INTEGER), 0),
			COUNT(DISTINCT path)
		FROM request_logs
	`, startOfDay).Scan(&stats.TotalRequests, &stats.TodayRequests, &stats.ErrorRequests, &stats.AvgDurationMs, &stats.UniqueEndpoints)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetTopEndpoints returns the most frequently requested endpoints
func (s *Store) GetTopEndpoints(ctx context.Context, limit int) ([]EndpointCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, COUNT(*) as count, COALESCE(AVG(duration_ms), 0) as avg_ms
		FROM request_logs
		GROUP BY path
		ORDER BY count DESC, path
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []EndpointCount
	for rows.Next() {
		var e EndpointCount
		var avgMs float64
		if err := rows.Scan(&e.Path, &e.Count, &avgMs); err != nil {
			return nil, err
		}
		e.AvgMs = int(avgMs)
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

func pluginWindow(pluginName string, since time.Time) *where {
	w := &where{}
	w.add("plugin_name = ?", pluginName)
	w.add("timestamp >= ?", since.UTC())
	return w
}

// GetPluginRequestCount returns the number of requests for a plugin since a given time
func (s *Store) GetPluginRequestCount(ctx context.Context, pluginName string, since time.Time) (int, error) {
	w := pluginWindow(pluginName, since)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_logs"+w.String(), w.args...).Scan(&count)
	return count, err
}

// GetPluginErrorRate returns the error rate percentage for a plugin since a given time
func (s *Store) GetPluginErrorRate(ctx context.Context, pluginName string, since time.Time) (float64, error) {
	w := pluginWindow(pluginName, since)
	var total, errorCount int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0)
		FROM request_logs`+w.String(), w.args...).Scan(&total, &errorCount)
	if err != nil {
		return 0, err
	}

	// No requests means 0% error rate
	if total == 0 {
		return 0, nil
	}
	return (float64(errorCount) / float64(total)) * 100.0, nil
}
