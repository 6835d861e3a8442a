package models

// Position provenance discriminators as stored in source_type.
const (
	SourceManual    = "manual"
	SourceAlgorithm = "algorithm"
	SourceSmallcase = "smallcase"
)

// PositionSource is the typed union behind (source_type, source_id).
// Exactly one variant applies; Resolve forces callers to handle all three.
type PositionSource interface {
	sourceVariant()
}

type ManualSource struct{}

type AlgorithmSource struct {
	AlgorithmID uint64
}

type SmallcaseSource struct {
	SmallcaseID uint64
}

func (ManualSource) sourceVariant()    {}
func (AlgorithmSource) sourceVariant() {}
func (SmallcaseSource) sourceVariant() {}

func sourceFromColumns(sourceType string, sourceID *uint64) PositionSource {
	id := uint64(0)
	if sourceID != nil {
		id = *sourceID
	}
	switch sourceType {
	case SourceAlgorithm:
		return AlgorithmSource{AlgorithmID: id}
	case SourceSmallcase:
		return SmallcaseSource{SmallcaseID: id}
	default:
		return ManualSource{}
	}
}

// SourceColumns flattens a PositionSource back into storable columns.
func SourceColumns(src PositionSource) (string, *uint64) {
	switch v := src.(type) {
	case AlgorithmSource:
		id := v.AlgorithmID
		return SourceAlgorithm, &id
	case SmallcaseSource:
		id := v.SmallcaseID
		return SourceSmallcase, &id
	default:
		return SourceManual, nil
	}
}
