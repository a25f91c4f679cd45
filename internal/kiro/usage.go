package kiro

import (
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// UsageSummary is the normalized view of a getUsageLimits document.
type UsageSummary struct {
	Quota       gateway.Quota
	Email       string
	AccountType string
}

// NormalizeUsage folds a raw usage-limits document into a single quota:
// the base allotment plus the free-trial allotment (while active) plus any
// active bonuses. Missing fields normalize to zero.
func NormalizeUsage(raw []byte) UsageSummary {
	var used, limit float64

	gjson.GetBytes(raw, "usageBreakdownList").ForEach(func(_, item gjson.Result) bool {
		used += item.Get("currentUsage").Float()
		limit += item.Get("usageLimit").Float()

		if ft := item.Get("freeTrialInfo"); ft.Exists() && ft.Get("freeTrialStatus").String() == "ACTIVE" {
			used += ft.Get("currentUsage").Float()
			limit += ft.Get("usageLimit").Float()
		}
		item.Get("bonusList").ForEach(func(_, bonus gjson.Result) bool {
			if bonus.Get("status").String() == "ACTIVE" {
				used += bonus.Get("currentUsage").Float()
				limit += bonus.Get("usageLimit").Float()
			}
			return true
		})
		return true
	})

	q := gateway.Quota{
		Used:      used,
		Limit:     limit,
		Exhausted: limit > 0 && used >= limit,
	}
	if limit > 0 {
		q.Percent = used / limit * 100
	}

	return UsageSummary{
		Quota:       q,
		Email:       gjson.GetBytes(raw, "userInfo.email").String(),
		AccountType: accountType(gjson.GetBytes(raw, "subscriptionInfo.subscriptionTitle").String()),
	}
}

// accountType classifies a subscription-type string by substring.
func accountType(subscription string) string {
	s := strings.ToUpper(subscription)
	switch {
	case strings.Contains(s, "FREE"):
		return gateway.AccountTypeFree
	case strings.Contains(s, "PRO"):
		return gateway.AccountTypePro
	default:
		return gateway.AccountTypeUnknown
	}
}
