package account

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultQuota is the token budget assigned to newly registered accounts.
const DefaultQuota int64 = 500000

// APIKey is the rotatable credential attached to an account. At most one
// key is live per account; retired keys stay addressable with Active=false.
type APIKey struct {
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used"`
	Active    bool       `json:"active"`
}

// ModelStats accumulates per-model usage for one account.
type ModelStats struct {
	RequestCount int64           `json:"request_count"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// Account is the central identity record. It is addressable by its access
// token (immutable, assigned at registration) and, while one exists, by its
// API key. The two aliases always resolve to the same logical account.
type Account struct {
	UserID         string     `json:"user_id"`
	Username       string     `json:"username"`
	Email          string     `json:"email,omitempty"`
	FullName       string     `json:"full_name,omitempty"`
	CredentialHash string     `json:"password_hash,omitempty"`
	AccessToken    string     `json:"access_token"`
	APIKey         *APIKey    `json:"api_key,omitempty"`
	Active         bool       `json:"active"`

	// QuotaLeft is the remaining token budget; nil means unlimited.
	// Once set it only decreases and is clamped at zero.
	QuotaLeft *int64 `json:"quota_left"`

	RequestCount      int64                 `json:"request_count"`
	TotalInputTokens  int64                 `json:"total_input_tokens"`
	TotalOutputTokens int64                 `json:"total_output_tokens"`
	TotalCost         decimal.Decimal       `json:"total_cost"`
	ModelUsage        map[string]ModelStats `json:"model_usage"`

	CreatedAt  time.Time  `json:"account_created_at"`
	LastLogin  *time.Time `json:"last_login"`
	LoginCount int64      `json:"login_count,omitempty"`

	// UpdatedAt stamps the last mutation and decides, per record, which
	// side wins when cache and durable store disagree.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to mutate without affecting the original.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.APIKey != nil {
		key := *a.APIKey
		if a.APIKey.LastUsed != nil {
			t := *a.APIKey.LastUsed
			key.LastUsed = &t
		}
		cp.APIKey = &key
	}
	if a.QuotaLeft != nil {
		q := *a.QuotaLeft
		cp.QuotaLeft = &q
	}
	if a.LastLogin != nil {
		t := *a.LastLogin
		cp.LastLogin = &t
	}
	if a.ModelUsage != nil {
		cp.ModelUsage = make(map[string]ModelStats, len(a.ModelUsage))
		for model, stats := range a.ModelUsage {
			cp.ModelUsage[model] = stats
		}
	}
	return &cp
}

// Aliases returns every credential string that currently addresses the account.
func (a *Account) Aliases() []string {
	aliases := make([]string, 0, 2)
	if a.AccessToken != "" {
		aliases = append(aliases, a.AccessToken)
	}
	if a.APIKey != nil && a.APIKey.Key != "" {
		aliases = append(aliases, a.APIKey.Key)
	}
	return aliases
}

// MatchesKey reports whether credential is the account's embedded API key.
func (a *Account) MatchesKey(credential string) bool {
	return a.APIKey != nil && a.APIKey.Key == credential
}

// ConsumeQuota decrements the remaining budget by tokens, clamped at zero.
// Accounts with a nil quota are unlimited and unaffected.
func (a *Account) ConsumeQuota(tokens int64) {
	if a.QuotaLeft == nil {
		return
	}
	left := *a.QuotaLeft - tokens
	if left < 0 {
		left = 0
	}
	a.QuotaLeft = &left
}

// AddUsage applies one request's token counts and cost to the account and
// its per-model breakdown.
func (a *Account) AddUsage(model string, inputTokens, outputTokens int64, cost decimal.Decimal) {
	a.RequestCount++
	a.TotalInputTokens += inputTokens
	a.TotalOutputTokens += outputTokens
	a.TotalCost = a.TotalCost.Add(cost)
	a.ConsumeQuota(inputTokens + outputTokens)

	if a.ModelUsage == nil {
		a.ModelUsage = make(map[string]ModelStats)
	}
	stats := a.ModelUsage[model]
	stats.RequestCount++
	stats.InputTokens += inputTokens
	stats.OutputTokens += outputTokens
	stats.Cost = stats.Cost.Add(cost)
	a.ModelUsage[model] = stats
}
