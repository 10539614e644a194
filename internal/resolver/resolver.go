package resolver

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"safeguard-dispatch/internal/models"
)

// ErrNoContacts 名册为空，无法确定报警目标
var ErrNoContacts = errors.New("NO_CONTACTS")

// ContactResolver 联系人解析器
// 对报警目标应用级联优先策略：收藏 → 已验证 → 全部名册。
// 每一级整体选取，不跨级合并。
type ContactResolver struct {
	logger *zap.Logger
}

// NewContactResolver 创建联系人解析器
func NewContactResolver(logger *zap.Logger) *ContactResolver {
	return &ContactResolver{
		logger: logger,
	}
}

// Resolve 计算报警目标集（有序）
// 仅在名册本身为空时返回 ErrNoContacts
func (r *ContactResolver) Resolve(roster []models.Contact) ([]models.Contact, error) {
	if len(roster) == 0 {
		return nil, ErrNoContacts
	}

	var favorites, verified []models.Contact
	for _, c := range roster {
		if c.Favorite {
			favorites = append(favorites, c)
		}
		if c.Verified {
			verified = append(verified, c)
		}
	}

	var targets []models.Contact
	var tier string
	switch {
	case len(favorites) > 0:
		targets, tier = favorites, "favorites"
	case len(verified) > 0:
		targets, tier = verified, "verified"
	default:
		targets, tier = append([]models.Contact(nil), roster...), "roster"
	}

	sortByPriority(targets)

	r.logger.Debug("Resolved alert targets",
		zap.String("tier", tier),
		zap.Int("target_count", len(targets)),
	)

	return targets, nil
}

// sortByPriority 按级别（primary 在前）、同级按名称排序
// 策略上至多一个 primary，排序保证其始终位于首位
func sortByPriority(contacts []models.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		pi, pj := contacts[i].Role.RolePriority(), contacts[j].Role.RolePriority()
		if pi != pj {
			return pi < pj
		}
		return contacts[i].Name < contacts[j].Name
	})
}
