package guardian

import (
	"encoding/binary"
	"hash/crc32"
)

// #region saturate
// SaturatingScore clamps v into the uint16 score range.
func SaturatingScore(v int) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= MaxScore {
		return MaxScore
	}
	return uint16(v)
}

// #endregion saturate

// #region feature-crc
// FeatureCRC returns the IEEE CRC-32 of a quantized feature vector, the same
// checksum a guardian attaches to the alert it raised from those features.
func FeatureCRC(features []int8) uint32 {
	buf := make([]byte, len(features))
	for i, f := range features {
		buf[i] = byte(f)
	}
	return crc32.ChecksumIEEE(buf)
}

// AlertCRC checksums the identifying fields of an alert. The journal stores
// it so a transition row can be matched back to the alert that caused it.
func AlertCRC(a Alert) uint32 {
	var buf [16]byte
	binary.LittleEndian.PutUint16(buf[0:], uint16(a.BlockID))
	binary.LittleEndian.PutUint16(buf[2:], a.AnomalyScore)
	binary.LittleEndian.PutUint32(buf[4:], a.FeatureCRC)
	binary.LittleEndian.PutUint64(buf[8:], a.TimestampUS)
	return crc32.ChecksumIEEE(buf[:])
}

// #endregion feature-crc
