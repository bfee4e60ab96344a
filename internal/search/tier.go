package search

import (
	"strings"

	"gamesearch/searchservice/internal/domain"
)

// TierClassifier assigns the discrete priority tier. Rules are checked in
// order and the first match wins.
type TierClassifier struct {
	flagship      map[int64]struct{}
	famous        map[int64]struct{}
	verified      []string
	modFriendly   []string
	minEngagement float64
}

func NewTierClassifier(cfg TierConfig, profiles []domain.FranchiseProfile) *TierClassifier {
	c := &TierClassifier{
		flagship:      make(map[int64]struct{}),
		famous:        make(map[int64]struct{}),
		minEngagement: cfg.MinOfficialEngagement,
	}
	for _, id := range cfg.FlagshipIDs {
		c.flagship[id] = struct{}{}
	}
	for _, id := range cfg.FamousIDs {
		c.famous[id] = struct{}{}
	}
	verified := append([]string(nil), cfg.VerifiedPublishers...)
	for _, p := range profiles {
		for _, id := range p.FlagshipIDs {
			c.flagship[id] = struct{}{}
		}
		for _, id := range p.FamousIDs {
			c.famous[id] = struct{}{}
		}
		verified = append(verified, p.Publishers...)
	}
	c.verified = normalizeCompanyList(verified)
	c.modFriendly = normalizeCompanyList(cfg.ModFriendlyPublishers)
	return c
}

// TierInput carries the per-candidate signals the rules need.
type TierInput struct {
	Game       domain.CandidateGame
	Engagement float64
	Franchise  *domain.FranchiseProfile
}

func (c *TierClassifier) Classify(in TierInput) domain.Tier {
	game := in.Game
	if _, ok := c.flagship[game.ID]; ok {
		return domain.TierFlagship
	}
	if _, ok := c.famous[game.ID]; ok {
		return domain.TierFamous
	}

	verified := c.isVerified(game)
	engaged := in.Engagement >= c.minEngagement

	if verified && game.Category.IsMainline() && engaged && in.Franchise != nil &&
		BelongsToFranchise(in.Franchise, game) && isNumberedEntry(game.Name) {
		return domain.TierSequel
	}
	if verified && game.Category.IsMainline() && engaged {
		return domain.TierOfficial
	}
	if verified && game.Category.IsAddOn() {
		return domain.TierOfficialDLC
	}
	if game.Category == domain.CategoryMod || c.isModFriendly(game) {
		return domain.TierCommunityMod
	}
	return domain.TierUnofficial
}

func (c *TierClassifier) isVerified(game domain.CandidateGame) bool {
	return companyListed(c.verified, game.Publisher) || companyListed(c.verified, game.Developer)
}

func (c *TierClassifier) isModFriendly(game domain.CandidateGame) bool {
	return companyListed(c.modFriendly, game.Publisher) || companyListed(c.modFriendly, game.Developer)
}

// isNumberedEntry reports whether a title carries an entry number or a subtitle.
func isNumberedEntry(name string) bool {
	if strings.ContainsAny(name, ":\u2013\u2014") || strings.Contains(name, " - ") {
		return true
	}
	return parseTitleMeta(name).number != ""
}

func normalizeCompanyList(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if v := NormalizeQuery(n); v != "" {
			out = append(out, v)
		}
	}
	return uniqueStrings(out)
}

// companyListed matches whole-word containment so "Nintendo EPD" matches "nintendo".
func companyListed(list []string, company string) bool {
	name := NormalizeQuery(company)
	if name == "" {
		return false
	}
	padded := " " + name + " "
	for _, entry := range list {
		if name == entry || strings.Contains(padded, " "+entry+" ") {
			return true
		}
	}
	return false
}
