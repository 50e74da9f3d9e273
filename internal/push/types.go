package push

// Subscription: подписка Web Push из браузера.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s Subscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

type SubscribeRequest struct {
	ParticipantID string       `json:"participant_id"`
	Subscription  Subscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	ParticipantID string `json:"participant_id"`
	Endpoint      string `json:"endpoint"`
}

// NotifyRequest: запрос на отправку уведомления.
type NotifyRequest struct {
	ParticipantID string            `json:"participant_id"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data,omitempty"`
}
