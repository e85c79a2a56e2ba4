package audit

// NoOpLogger is a no-op implementation for when auditing is disabled
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return new(NoOpLogger)
}

func (n *NoOpLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, nil
}

func (n *NoOpLogger) Log(action, subjectType string, success bool, details map[string]interface{}) error {
	return nil
}

func (n *NoOpLogger) Clear() error {
	return nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
