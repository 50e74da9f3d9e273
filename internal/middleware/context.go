package middleware

import "context"

type contextKey string

const ParticipantIDKey contextKey = "participant_id"

// GetParticipantID возвращает participant id из контекста (устанавливается AuthServiceValidate или TrustedParticipant).
func GetParticipantID(ctx context.Context) string {
	v, _ := ctx.Value(ParticipantIDKey).(string)
	return v
}

func WithParticipantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ParticipantIDKey, id)
}
