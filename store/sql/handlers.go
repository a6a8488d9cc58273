package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func operationHandlers() repository.ModelHandlers[*operationRecord] {
	return repository.ModelHandlers[*operationRecord]{
		NewRecord: func() *operationRecord {
			return &operationRecord{}
		},
		GetID: func(record *operationRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *operationRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *operationRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func operationStepHandlers() repository.ModelHandlers[*operationStepRecord] {
	return repository.ModelHandlers[*operationStepRecord]{
		NewRecord: func() *operationStepRecord {
			return &operationStepRecord{}
		},
		GetID: func(record *operationStepRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *operationStepRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *operationStepRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func usageCounterHandlers() repository.ModelHandlers[*usageCounterRecord] {
	return repository.ModelHandlers[*usageCounterRecord]{
		NewRecord: func() *usageCounterRecord {
			return &usageCounterRecord{}
		},
		GetID: func(record *usageCounterRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *usageCounterRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *usageCounterRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func reconciliationHandlers() repository.ModelHandlers[*reconciliationRecord] {
	return repository.ModelHandlers[*reconciliationRecord]{
		NewRecord: func() *reconciliationRecord {
			return &reconciliationRecord{}
		},
		GetID: func(record *reconciliationRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *reconciliationRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *reconciliationRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func eventCursorHandlers() repository.ModelHandlers[*eventCursorRecord] {
	return repository.ModelHandlers[*eventCursorRecord]{
		NewRecord: func() *eventCursorRecord {
			return &eventCursorRecord{}
		},
		GetID: func(record *eventCursorRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *eventCursorRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *eventCursorRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
