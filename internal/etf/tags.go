package etf

// VersionTag prefixes every envelope.
const VersionTag byte = 131

// Term tags, named after the external term format documentation.
const (
	tagNewFloat       byte = 70
	tagBitBinary      byte = 77
	tagCompressed     byte = 80
	tagNewPid         byte = 88
	tagNewPort        byte = 89
	tagNewerReference byte = 90
	tagSmallInteger   byte = 97
	tagInteger        byte = 98
	tagFloat          byte = 99
	tagAtom           byte = 100
	tagReference      byte = 101
	tagPort           byte = 102
	tagPid            byte = 103
	tagSmallTuple     byte = 104
	tagLargeTuple     byte = 105
	tagNil            byte = 106
	tagString         byte = 107
	tagList           byte = 108
	tagBinary         byte = 109
	tagSmallBig       byte = 110
	tagLargeBig       byte = 111
	tagNewFun         byte = 112
	tagExport         byte = 113
	tagNewReference   byte = 114
	tagSmallAtom      byte = 115
	tagMap            byte = 116
	tagAtomUTF8       byte = 118
	tagSmallAtomUTF8  byte = 119
	tagV4Port         byte = 120
)

const (
	maxAtomRunes    = 255
	floatTextLen    = 31
	funUniqLen      = 16
	defaultMaxUnzip = 64 * 1024 * 1024
	defaultMaxDepth = 10000
)
