package pricing

import (
	"errors"
	"testing"
)

func mustEstimate(test *testing.T, platform Platform, searchType SearchType, units int) int64 {
	test.Helper()
	cost, err := Estimate(platform, searchType, units)
	if err != nil {
		test.Fatalf("estimate: %v", err)
	}
	return cost
}

func mustSettle(test *testing.T, platform Platform, searchType SearchType, requested int, actual int) Settlement {
	test.Helper()
	settlement, err := Settle(platform, searchType, requested, actual)
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	return settlement
}

func TestEstimateScalesWithRequestedUnits(test *testing.T) {
	test.Parallel()
	if cost := mustEstimate(test, PlatformInstagram, SearchKeyword, 30); cost != 100 {
		test.Fatalf("expected 100 credits for 30 instagram results, got %d", cost)
	}
	if cost := mustEstimate(test, PlatformInstagram, SearchKeyword, 120); cost != 400 {
		test.Fatalf("expected 400 credits for 120 instagram results, got %d", cost)
	}
	if cost := mustEstimate(test, PlatformYouTube, SearchKeyword, 60); cost != 100 {
		test.Fatalf("expected 100 credits for 60 youtube results, got %d", cost)
	}
}

func TestEstimateDiagnosticTierIsFree(test *testing.T) {
	test.Parallel()
	if cost := mustEstimate(test, PlatformInstagram, SearchKeyword, 5); cost != 0 {
		test.Fatalf("expected free diagnostic tier, got %d", cost)
	}
}

func TestEstimateProfileLookups(test *testing.T) {
	test.Parallel()
	if cost := mustEstimate(test, PlatformInstagram, SearchProfile, 30); cost != 0 {
		test.Fatalf("expected free instagram profile lookup, got %d", cost)
	}
	if cost := mustEstimate(test, PlatformYouTube, SearchProfile, 30); cost != 50 {
		test.Fatalf("expected 50 credits for youtube profile lookup, got %d", cost)
	}
}

func TestEstimateRejectsOddUnitCounts(test *testing.T) {
	test.Parallel()
	if _, err := Estimate(PlatformInstagram, SearchKeyword, 45); !errors.Is(err, ErrInvalidUnits) {
		test.Fatalf("expected ErrInvalidUnits, got %v", err)
	}
}

func TestSettleHalfDeliveryRefundsHalf(test *testing.T) {
	test.Parallel()
	settlement := mustSettle(test, PlatformInstagram, SearchKeyword, 60, 30)
	if settlement.ChargedCredits != 100 {
		test.Fatalf("expected 100 charged, got %d", settlement.ChargedCredits)
	}
	if settlement.RefundCredits != 100 {
		test.Fatalf("expected 100 refunded, got %d", settlement.RefundCredits)
	}
}

func TestSettleFloorRounding(test *testing.T) {
	test.Parallel()
	settlement := mustSettle(test, PlatformInstagram, SearchKeyword, 30, 7)
	if settlement.ChargedCredits != 23 {
		test.Fatalf("expected floor(100*7/30)=23 charged, got %d", settlement.ChargedCredits)
	}
	if settlement.RefundCredits != 77 {
		test.Fatalf("expected 77 refunded, got %d", settlement.RefundCredits)
	}
}

func TestSettleZeroDeliveryRefundsEverything(test *testing.T) {
	test.Parallel()
	settlement := mustSettle(test, PlatformTikTok, SearchKeyword, 90, 0)
	if settlement.ChargedCredits != 0 {
		test.Fatalf("expected zero charge, got %d", settlement.ChargedCredits)
	}
	if settlement.RefundCredits != 300 {
		test.Fatalf("expected full 300 refund, got %d", settlement.RefundCredits)
	}
}

func TestSettleOverDeliveryChargesEstimateOnly(test *testing.T) {
	test.Parallel()
	settlement := mustSettle(test, PlatformInstagram, SearchKeyword, 30, 48)
	if settlement.ChargedCredits != 100 {
		test.Fatalf("expected estimate charge 100, got %d", settlement.ChargedCredits)
	}
	if settlement.RefundCredits != 0 {
		test.Fatalf("expected no refund, got %d", settlement.RefundCredits)
	}
}

func TestSettleSubtitleIsFlat(test *testing.T) {
	test.Parallel()
	settlement := mustSettle(test, PlatformYouTube, SearchSubtitle, 30, 1)
	if settlement.ChargedCredits != 10 {
		test.Fatalf("expected flat 10 charge, got %d", settlement.ChargedCredits)
	}
	failed := mustSettle(test, PlatformYouTube, SearchSubtitle, 30, 0)
	if failed.ChargedCredits != 0 || failed.RefundCredits != 10 {
		test.Fatalf("expected full refund on failed extraction, got %+v", failed)
	}
}
