// Package registry is the Model Registry: the router/alias/provider
// catalogue backing request dispatch. Rows are persisted in Postgres via
// GORM and loaded into an in-memory, read-mostly index for the hot path.
package registry

import "time"

// LoadBalancingStrategy selects how the Load Balancer picks among a
// router's live providers.
type LoadBalancingStrategy string

const (
	StrategyShuffle    LoadBalancingStrategy = "shuffle"
	StrategyLeastBusy  LoadBalancingStrategy = "least_busy"
)

// RouterType constrains which provider types may attach to a router.
type RouterType string

const (
	RouterTypeTextGeneration      RouterType = "text-generation"
	RouterTypeImageTextToText     RouterType = "image-text-to-text"
	RouterTypeTextEmbeddings      RouterType = "text-embeddings-inference"
	RouterTypeSpeechRecognition   RouterType = "automatic-speech-recognition"
	RouterTypeTextClassification  RouterType = "text-classification"
	RouterTypeImageToText         RouterType = "image-to-text"
)

// ProviderType tags the dialect adapter a Provider speaks.
type ProviderType string

const (
	ProviderTypeVLLM          ProviderType = "vllm"
	ProviderTypeOpenAI        ProviderType = "openai"
	ProviderTypeMistral       ProviderType = "mistral"
	ProviderTypeAlbert        ProviderType = "albert"
	ProviderTypeTEI           ProviderType = "tei"
	ProviderTypeAnthropic     ProviderType = "anthropic"
	ProviderTypeGemini        ProviderType = "gemini"
	// ProviderTypeOpenAICompat covers any OpenAI-wire-compatible upstream
	// that isn't one of the named dialects above (xAI, Groq, DeepSeek,
	// Together, Perplexity, Cerebras, Moonshot, MiniMax, Qwen, Nebius,
	// NovitaAI, ByteDance, ZAI, CanopyWave, Inference, NanoGPT, ...). The
	// provider row's ModelName/BaseURL/BearerKey fully describe it; the
	// type tag only picks the wire dialect.
	ProviderTypeOpenAICompat ProviderType = "openai_compat"
)

// QoSMetric names the windowed signal the QoS gate admits against.
type QoSMetric string

const (
	QoSMetricTTFT        QoSMetric = "ttft"
	QoSMetricLatency     QoSMetric = "latency"
	QoSMetricInflight    QoSMetric = "inflight"
	QoSMetricPerformance QoSMetric = "performance"
)

// Endpoint is a logical upstream capability a provider may or may not serve.
type Endpoint string

const (
	EndpointAudioTranscriptions Endpoint = "AUDIO_TRANSCRIPTIONS"
	EndpointChatCompletions     Endpoint = "CHAT_COMPLETIONS"
	EndpointEmbeddings          Endpoint = "EMBEDDINGS"
	EndpointModels              Endpoint = "MODELS"
	EndpointOCR                 Endpoint = "OCR"
	EndpointRerank              Endpoint = "RERANK"
)

// Router is a logical named model fanning out to one or more Providers.
type Router struct {
	ID                 int64                 `gorm:"primaryKey"`
	Name               string                `gorm:"uniqueIndex;not null"`
	Type               RouterType            `gorm:"not null"`
	LoadBalancing      LoadBalancingStrategy `gorm:"not null;default:shuffle"`
	CostPromptPerM     float64
	CostCompletionPerM float64
	VectorSize         *int
	MaxContextLength   *int
	OwnerUserID        int64 `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Aliases   []RouterAlias `gorm:"constraint:OnDelete:CASCADE"`
	Providers []Provider    `gorm:"constraint:OnDelete:CASCADE"`
}

// RouterAlias is an alternative name resolving to a Router. Aliases are
// globally unique across all routers and all router names.
type RouterAlias struct {
	ID       int64  `gorm:"primaryKey"`
	RouterID int64  `gorm:"not null;index"`
	Alias    string `gorm:"uniqueIndex;not null"`
}

// Provider is a concrete upstream that can serve a Router.
type Provider struct {
	ID          int64        `gorm:"primaryKey"`
	RouterID    int64        `gorm:"not null;index"`
	OwnerUserID int64        `gorm:"not null"`
	Type        ProviderType `gorm:"not null"`
	BaseURL     string       `gorm:"not null"`
	BearerKey   string       // stored opaquely; never logged
	TimeoutMS   int          `gorm:"not null;default:30000"`
	ModelName   string       `gorm:"not null"`

	// Carbon accounting — all optional, missing any one disables accounting.
	HostingCountryAlpha3 *string
	TotalParamsB         *float64
	ActiveParamsB        *float64

	// QoS gate configuration — missing either field means "always admit".
	QoSMetric *QoSMetric
	QoSLimit  *float64

	CreatedAt time.Time
	UpdatedAt time.Time

	Endpoints []EndpointEntry `gorm:"constraint:OnDelete:CASCADE"`
}

// EndpointEntry maps one logical Endpoint to an upstream path for a Provider.
// Absence of a row for an endpoint means the provider does not serve it.
type EndpointEntry struct {
	ID         int64    `gorm:"primaryKey"`
	ProviderID int64    `gorm:"not null;index"`
	Endpoint   Endpoint `gorm:"not null"`
	Path       string   `gorm:"not null"`
}

// User is the minimal row the Access Controller and Rate Limiter need —
// full organization/role management is an external collaborator (§1).
type User struct {
	ID          int64    `gorm:"primaryKey"`
	Permissions []string `gorm:"serializer:json"`
	Priority    int      // used as queued-dispatch caller priority
	RPMLimit    *int
	RPDLimit    *int
	TPMLimit    *int
	TPDLimit    *int
	CreatedAt   time.Time
}

// Token authenticates a User via a bearer credential (outside the master key
// fast path). ExpiresAt == nil means the token never expires.
type Token struct {
	ID        int64 `gorm:"primaryKey"`
	UserID    int64 `gorm:"not null;index"`
	Name      string
	ExpiresAt *time.Time
	CreatedAt time.Time
}
