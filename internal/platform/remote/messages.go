package remote

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
)

// #region method-names
const serviceName = "shm.platform.v1.Platform"

const (
	methodFetchAlert    = "FetchAlert"
	methodStartBist     = "StartBist"
	methodPollBist      = "PollBist"
	methodStartReconfig = "StartReconfig"
	methodPollReconfig  = "PollReconfig"
)

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// #endregion method-names

// #region alert-encoding
// Alerts travel as a google.protobuf.Struct. An empty struct means no alert
// was pending.
const (
	fieldBlockID      = "block_id"
	fieldAnomalyScore = "anomaly_score"
	fieldFeatureCRC   = "feature_crc"
	fieldTimestampUS  = "timestamp_us"
)

func encodeAlert(a guardian.Alert) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldBlockID:      float64(a.BlockID),
		fieldAnomalyScore: float64(a.AnomalyScore),
		fieldFeatureCRC:   float64(a.FeatureCRC),
		fieldTimestampUS:  float64(a.TimestampUS),
	})
}

func decodeAlert(s *structpb.Struct) (guardian.Alert, bool, error) {
	fields := s.GetFields()
	if len(fields) == 0 {
		return guardian.Alert{}, false, nil
	}
	block, err := numberField(fields, fieldBlockID, math.MaxUint16)
	if err != nil {
		return guardian.Alert{}, false, err
	}
	score, err := numberField(fields, fieldAnomalyScore, math.MaxUint16)
	if err != nil {
		return guardian.Alert{}, false, err
	}
	crc, err := numberField(fields, fieldFeatureCRC, math.MaxUint32)
	if err != nil {
		return guardian.Alert{}, false, err
	}
	ts, err := numberField(fields, fieldTimestampUS, 1<<53)
	if err != nil {
		return guardian.Alert{}, false, err
	}
	return guardian.Alert{
		BlockID:      guardian.BlockID(block),
		AnomalyScore: uint16(score),
		FeatureCRC:   uint32(crc),
		TimestampUS:  ts,
	}, true, nil
}

func numberField(fields map[string]*structpb.Value, name string, max uint64) (uint64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("alert field %s missing", name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("alert field %s is not a number", name)
	}
	f := n.NumberValue
	if f < 0 || f != math.Trunc(f) || f > float64(max) {
		return 0, fmt.Errorf("alert field %s out of range: %v", name, f)
	}
	return uint64(f), nil
}

// #endregion alert-encoding

// #region block-encoding
func encodeBlock(b guardian.BlockID) *wrapperspb.UInt32Value {
	return wrapperspb.UInt32(uint32(b))
}

func decodeBlock(v *wrapperspb.UInt32Value) (guardian.BlockID, error) {
	if v.GetValue() > math.MaxUint16 {
		return 0, fmt.Errorf("block id %d out of range", v.GetValue())
	}
	return guardian.BlockID(v.GetValue()), nil
}

// #endregion block-encoding
