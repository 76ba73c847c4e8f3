package proposals

import (
	"context"
	"fmt"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

const (
	// daypartingMinHourClicks is the click floor below which an hour's
	// index is too noisy to act on.
	daypartingMinHourClicks = 10
	// daypartingMinIndexDelta is how far from 1.0 the index must land
	// before the hour is worth a proposal at all.
	daypartingMinIndexDelta = 0.05
	// Index clamp bounds. The coordinator already discounts by weight and
	// confidence; the raw index is bounded so a freak hour cannot swing a
	// bid by itself.
	daypartingIndexFloor = 0.8
	daypartingIndexCeil  = 1.2
	// daypartingMaxConfidence caps the click-share confidence ramp.
	daypartingMaxConfidence = 0.9
)

// DaypartingSource compares the current hour against the campaign's
// hour-of-day profile and proposes a multiplier when the hour reliably
// over- or under-performs. The profile comes from the dayparting safe
// window, so attribution has settled before an hour is judged.
type DaypartingSource struct{}

func (s *DaypartingSource) Name() string { return models.ProposalSourceDayparting }

func (s *DaypartingSource) Analyze(ctx context.Context, tc TargetContext) ([]models.BidProposal, error) {
	if len(tc.HourProfile) == 0 {
		return nil, nil
	}
	hour := tc.Now.UTC().Hour()
	bucket, ok := bucketFor(tc.HourProfile, hour)
	if !ok || bucket.Clicks < daypartingMinHourClicks {
		return nil, nil
	}

	index, ok := hourIndex(tc.HourProfile, bucket)
	if !ok {
		return nil, nil
	}
	if delta := index - 1; delta < daypartingMinIndexDelta && delta > -daypartingMinIndexDelta {
		return nil, nil
	}
	if index < daypartingIndexFloor {
		index = daypartingIndexFloor
	}
	if index > daypartingIndexCeil {
		index = daypartingIndexCeil
	}

	confidence := float64(bucket.Clicks) / float64(bucket.Clicks+daypartingMinHourClicks)
	if confidence > daypartingMaxConfidence {
		confidence = daypartingMaxConfidence
	}

	return []models.BidProposal{{
		TargetID:   tc.Target.ID,
		TargetType: tc.Target.TargetType,
		Source:     s.Name(),
		Multiplier: index,
		Confidence: confidence,
		Reason: fmt.Sprintf("hour %02d performs at %.2fx the campaign average (%d clicks in window)",
			hour, index, bucket.Clicks),
		CreatedAt: tc.Now,
	}}, nil
}

func bucketFor(profile []dataplane.HourBucket, hour int) (dataplane.HourBucket, bool) {
	for _, b := range profile {
		if b.Hour == hour {
			return b, true
		}
	}
	return dataplane.HourBucket{}, false
}

// hourIndex grades one hour against the whole profile. Sales per click is
// the primary signal; profiles that saw no sales at all fall back to CTR so
// a young campaign still daypart-tilts on engagement.
func hourIndex(profile []dataplane.HourBucket, bucket dataplane.HourBucket) (float64, bool) {
	var clicks, impressions int64
	var sales float64
	for _, b := range profile {
		clicks += b.Clicks
		impressions += b.Impressions
		sales += b.Sales
	}
	if clicks == 0 {
		return 0, false
	}

	if sales > 0 {
		overall := sales / float64(clicks)
		hourly := bucket.Sales / float64(bucket.Clicks)
		if overall <= 0 {
			return 0, false
		}
		return hourly / overall, true
	}

	if impressions == 0 || bucket.Impressions == 0 {
		return 0, false
	}
	overallCTR := float64(clicks) / float64(impressions)
	hourCTR := float64(bucket.Clicks) / float64(bucket.Impressions)
	if overallCTR <= 0 {
		return 0, false
	}
	return hourCTR / overallCTR, true
}
