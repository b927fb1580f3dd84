// Package pricing maps search requests to credit costs and settles the
// final charge against what the external source actually delivered.
package pricing

import (
	"errors"
	"fmt"
)

// Platform identifies the external source a search runs against.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// SearchType identifies the kind of search performed on a platform.
type SearchType string

const (
	SearchKeyword  SearchType = "keyword"
	SearchProfile  SearchType = "profile"
	SearchSubtitle SearchType = "subtitle"
)

// Settlement is the outcome of reconciling a pre-charge against delivery.
type Settlement struct {
	ChargedCredits int64
	RefundCredits  int64
}

var (
	ErrUnknownPlatform   = errors.New("unknown platform")
	ErrUnknownSearchType = errors.New("unknown search type")
	ErrInvalidUnits      = errors.New("invalid result unit count")
)

const (
	// unitStep is the billing granularity: costs are quoted per 30 results.
	unitStep = 30

	// DiagnosticUnits is the result count that bypasses billing and plan
	// ceilings so callers can smoke-test a platform integration.
	DiagnosticUnits = 5
)

// creditsPerStep is the cost of one 30-result step per platform and search
// type. Profile lookups on instagram and tiktok ride along for free.
var creditsPerStep = map[Platform]map[SearchType]int64{
	PlatformInstagram: {SearchKeyword: 100, SearchProfile: 0},
	PlatformTikTok:    {SearchKeyword: 100, SearchProfile: 0},
	PlatformYouTube:   {SearchKeyword: 50, SearchProfile: 50},
}

// subtitleCredits is the flat cost of a subtitle extraction per platform,
// charged independently of the result count.
var subtitleCredits = map[Platform]int64{
	PlatformInstagram: 20,
	PlatformTikTok:    20,
	PlatformYouTube:   10,
}

var allowedUnits = map[int]bool{DiagnosticUnits: true, 30: true, 60: true, 90: true, 120: true}

// ParsePlatform validates a raw platform string.
func ParsePlatform(raw string) (Platform, error) {
	switch Platform(raw) {
	case PlatformInstagram, PlatformTikTok, PlatformYouTube:
		return Platform(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, raw)
}

// ParseSearchType validates a raw search type string.
func ParseSearchType(raw string) (SearchType, error) {
	switch SearchType(raw) {
	case SearchKeyword, SearchProfile, SearchSubtitle:
		return SearchType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSearchType, raw)
}

// Estimate returns the credit cost to pre-authorize for a search requesting
// requestedUnits results. The diagnostic 5-result tier is always free.
func Estimate(platform Platform, searchType SearchType, requestedUnits int) (int64, error) {
	if !allowedUnits[requestedUnits] {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUnits, requestedUnits)
	}
	if requestedUnits == DiagnosticUnits {
		return 0, nil
	}
	if searchType == SearchSubtitle {
		cost, ok := subtitleCredits[platform]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
		}
		return cost, nil
	}
	perStep, ok := creditsPerStep[platform]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	cost, ok := perStep[searchType]
	if !ok {
		return 0, fmt.Errorf("%w: %q on %q", ErrUnknownSearchType, searchType, platform)
	}
	return cost * int64(requestedUnits) / unitStep, nil
}

// Settle reconciles the pre-authorized estimate against the units actually
// delivered. The charge scales down proportionally (floor-rounded) when fewer
// units arrive than requested; delivery at or above the request charges the
// full estimate and never more. Zero delivered units settles to a zero charge,
// which callers should route through a full rollback rather than a commit.
func Settle(platform Platform, searchType SearchType, requestedUnits int, actualUnits int) (Settlement, error) {
	if actualUnits < 0 {
		return Settlement{}, fmt.Errorf("%w: actual %d", ErrInvalidUnits, actualUnits)
	}
	estimate, err := Estimate(platform, searchType, requestedUnits)
	if err != nil {
		return Settlement{}, err
	}
	if estimate == 0 {
		return Settlement{}, nil
	}
	if actualUnits == 0 {
		return Settlement{RefundCredits: estimate}, nil
	}
	if searchType == SearchSubtitle || actualUnits >= requestedUnits {
		return Settlement{ChargedCredits: estimate}, nil
	}
	charged := estimate * int64(actualUnits) / int64(requestedUnits)
	return Settlement{ChargedCredits: charged, RefundCredits: estimate - charged}, nil
}
