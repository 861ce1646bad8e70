package models

import "time"

type User struct {
	ID                  string     `json:"id"`
	BrandID             string     `json:"brandId,omitempty"` // 由 brand_members 关系推导
	Email               string     `json:"email,omitempty"`
	DisplayName         string     `json:"displayName,omitempty"`
	SubscriptionStatus  string     `json:"subscriptionStatus"`
	SubscriptionTier    string     `json:"subscriptionTier"`
	SubscriptionID      string     `json:"subscriptionId,omitempty"`
	SubscriptionEndDate *time.Time `json:"subscriptionEndDate,omitempty"`
	BillingCustomerID   string     `json:"billingCustomerId,omitempty"`
	ScrapeJobsThisMonth int        `json:"scrapeJobsThisMonth"`
	LastUsageResetMonth string     `json:"lastUsageResetMonth,omitempty"`
	LifetimeJobs        int        `json:"lifetimeJobs"`
	HasTesterAccess     bool       `json:"hasTesterAccess"`
	TesterAccessExpiry  *time.Time `json:"testerAccessExpiry,omitempty"`
	FirstPaymentDate    *time.Time `json:"firstPaymentDate,omitempty"`
	TotalRevenueCents   int64      `json:"totalRevenueCents"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// NewUser 返回一个尚未订阅的新用户记录
func NewUser(id string, now time.Time) User {
	return User{
		ID:                 id,
		SubscriptionStatus: SubscriptionNone,
		SubscriptionTier:   TierFree,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// HasPaidSubscription 自身订阅是否处于付费状态
func (u User) HasPaidSubscription() bool {
	return IsPaidStatus(u.SubscriptionStatus)
}

// TesterAccessActive 测试码权限是否在有效期内
func (u User) TesterAccessActive(now time.Time) bool {
	return u.HasTesterAccess && u.TesterAccessExpiry != nil && u.TesterAccessExpiry.After(now)
}

type Brand struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	MemberUserIDs []string  `json:"memberUserIds"`
}

// HasMember 判断用户是否为品牌成员
func (b Brand) HasMember(userID string) bool {
	for _, id := range b.MemberUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type Invite struct {
	Token     string    `json:"token"`
	BrandID   string    `json:"brandId"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Status    string    `json:"status"` // 存储状态：active | revoked
	MaxUses   int       `json:"maxUses"`
	UsedBy    []string  `json:"usedBy"`
}

// RedeemedBy 判断用户是否已使用过该邀请
func (i Invite) RedeemedBy(userID string) bool {
	for _, id := range i.UsedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// EffectiveStatus 计算邀请当前的对外状态
func (i Invite) EffectiveStatus(now time.Time) string {
	switch {
	case i.Status == InviteRevoked:
		return InviteRevoked
	case now.After(i.ExpiresAt):
		return InviteExpired
	case len(i.UsedBy) >= i.MaxUses:
		return InviteRedeemedOut
	default:
		return InviteActive
	}
}

type TesterCode struct {
	Code               string             `json:"code"`
	IsActive           bool               `json:"isActive"`
	MaxRedemptions     int                `json:"maxRedemptions"` // -1 表示不限次数
	CurrentRedemptions int                `json:"currentRedemptions"`
	ValidFrom          time.Time          `json:"validFrom"`
	ValidUntil         *time.Time         `json:"validUntil,omitempty"`
	AccessDurationDays int                `json:"accessDurationDays"`
	CreatedBy          string             `json:"createdBy,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	Redemptions        []TesterRedemption `json:"redemptions,omitempty"`
}

// Unlimited 是否不限兑换次数
func (c TesterCode) Unlimited() bool {
	return c.MaxRedemptions == UnlimitedRedemptions
}

// RedemptionFor 查找用户的兑换记录
func (c TesterCode) RedemptionFor(userID string) (TesterRedemption, bool) {
	for _, r := range c.Redemptions {
		if r.UserID == userID {
			return r, true
		}
	}
	return TesterRedemption{}, false
}

type TesterRedemption struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"`
	UserID          string    `json:"userId"`
	UserEmail       string    `json:"userEmail,omitempty"`
	RedeemedAt      time.Time `json:"redeemedAt"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

type ProcessedWebhookEvent struct {
	EventID   string
	EventType string
	AppliedAt time.Time
}

const (
	SubscriptionNone     = "none"
	SubscriptionTrialing = "trialing"
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

const (
	TierFree = "free"
	TierPro  = "pro"
)

const (
	InviteActive      = "active"
	InviteRedeemedOut = "redeemed-out"
	InviteExpired     = "expired"
	InviteRevoked     = "revoked"
)

const UnlimitedRedemptions = -1

// IsPaidStatus active 与 trialing 视为付费
func IsPaidStatus(status string) bool {
	return status == SubscriptionActive || status == SubscriptionTrialing
}

// IsValidSubscriptionStatus 校验订阅状态枚举
func IsValidSubscriptionStatus(status string) bool {
	switch status {
	case SubscriptionNone, SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled:
		return true
	}
	return false
}

// UsageMonth 返回用于额度重置比较的月份标识（UTC）
func UsageMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}
