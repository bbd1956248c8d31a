package models

import "strings"

// ImageRef points at one photo attached to a note. Before upload URI is a
// local path; after a confirmed commit it is the durable remote URL.
type ImageRef struct {
	URI  string `json:"uri" firestore:"uri"`
	Type string `json:"type,omitempty" firestore:"type,omitempty"`
	Name string `json:"name,omitempty" firestore:"name,omitempty"`
	Size int64  `json:"size,omitempty" firestore:"size,omitempty"`
}

// IsRemote reports whether the image already lives in remote storage.
func (i ImageRef) IsRemote() bool {
	return strings.HasPrefix(i.URI, "https://") || strings.HasPrefix(i.URI, "http://")
}

// Coordinates is the GPS fix taken at the survey site.
type Coordinates struct {
	Latitude  float64 `json:"latitude" firestore:"latitude"`
	Longitude float64 `json:"longitude" firestore:"longitude"`
}

// Note is a single field-collection record. Serial is its natural key within
// a project and the document ID in the remote ledger.
type Note struct {
	Serial    string      `json:"serial" firestore:"serial"`
	CreatedBy string      `json:"createdBy,omitempty" firestore:"createdBy,omitempty"`
	Coords    Coordinates `json:"coordinates" firestore:"coordinates"`

	Locality    string `json:"localityDesignation,omitempty" firestore:"localityDesignation,omitempty"`
	Landmark    string `json:"landmarkNearby,omitempty" firestore:"landmarkNearby,omitempty"`
	NumOfVials  int    `json:"numOfVials,omitempty" firestore:"numOfVials,omitempty"`
	Morphs      string `json:"morphs,omitempty" firestore:"morphs,omitempty"`
	Abundance   string `json:"abundance,omitempty" firestore:"abundance,omitempty"`
	Observation string `json:"observation,omitempty" firestore:"observation,omitempty"`

	Temperature  float64 `json:"temperature,omitempty" firestore:"temperature,omitempty"`
	Conductivity float64 `json:"conductivity,omitempty" firestore:"conductivity,omitempty"`
	PH           float64 `json:"pH,omitempty" firestore:"pH,omitempty"`
	Turbidity    float64 `json:"turbidity,omitempty" firestore:"turbidity,omitempty"`
	DissolvedO2  float64 `json:"o2dis,omitempty" firestore:"o2dis,omitempty"`

	WaterTypes []string `json:"selectedWaterTypes,omitempty" firestore:"selectedWaterTypes,omitempty"`
	Substrates []string `json:"selectedSubstrates,omitempty" firestore:"selectedSubstrates,omitempty"`
	Geology    []string `json:"selectedGeology,omitempty" firestore:"selectedGeology,omitempty"`
	Additional string   `json:"additional,omitempty" firestore:"additional,omitempty"`

	VialImages    []ImageRef `json:"vialImages" firestore:"vialImages"`
	HabitatImages []ImageRef `json:"habitatImages" firestore:"habitatImages"`

	IsUploaded bool `json:"isUploaded" firestore:"isUploaded"`

	// InAggregate is device-local bookkeeping and never reaches the ledger.
	InAggregate bool `json:"inAggregate,omitempty" firestore:"-"`
}

// Clone returns a deep copy so staged upload results never alias stored notes.
func (n Note) Clone() Note {
	c := n
	c.VialImages = append([]ImageRef(nil), n.VialImages...)
	c.HabitatImages = append([]ImageRef(nil), n.HabitatImages...)
	c.WaterTypes = append([]string(nil), n.WaterTypes...)
	c.Substrates = append([]string(nil), n.Substrates...)
	c.Geology = append([]string(nil), n.Geology...)
	return c
}

// HasLocalImages reports whether any image still points at device storage.
func (n Note) HasLocalImages() bool {
	for _, img := range n.VialImages {
		if !img.IsRemote() {
			return true
		}
	}
	for _, img := range n.HabitatImages {
		if !img.IsRemote() {
			return true
		}
	}
	return false
}
