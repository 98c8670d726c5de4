// Package ingest connects the assessment pipeline to Kafka.
//
// A consumer group reads transaction submissions from a topic and runs each
// through the pipeline. A producer publishes submissions onto the topic,
// pinning every Indian region class to its own partition so one region's
// traffic is consumed in order.
package ingest

// Region classes, in partition order.
const (
	RegionNorth     = "North"
	RegionSouth     = "South"
	RegionEast      = "East"
	RegionWest      = "West"
	RegionCentral   = "Central"
	RegionNortheast = "Northeast"
	RegionUnknown   = "Unknown"
)

var regionStates = map[string][]string{
	RegionNorth:     {"Delhi", "Haryana", "Punjab", "Uttarakhand", "Himachal Pradesh", "Jammu and Kashmir", "Uttar Pradesh"},
	RegionSouth:     {"Kerala", "Karnataka", "Tamil Nadu", "Andhra Pradesh", "Telangana"},
	RegionEast:      {"West Bengal", "Odisha", "Bihar", "Jharkhand"},
	RegionWest:      {"Rajasthan", "Gujarat", "Maharashtra", "Goa"},
	RegionCentral:   {"Madhya Pradesh", "Chhattisgarh"},
	RegionNortheast: {"Assam", "Manipur", "Meghalaya", "Tripura", "Mizoram", "Arunachal Pradesh", "Nagaland", "Sikkim"},
}

var regionPartitions = map[string]int32{
	RegionNorth:     0,
	RegionSouth:     1,
	RegionEast:      2,
	RegionWest:      3,
	RegionCentral:   4,
	RegionNortheast: 5,
}

var stateRegion = func() map[string]string {
	m := make(map[string]string)
	for region, states := range regionStates {
		for _, s := range states {
			m[s] = region
		}
	}
	return m
}()

// ClassifyState returns the region class of an Indian state, or
// RegionUnknown.
func ClassifyState(state string) string {
	if r, ok := stateRegion[state]; ok {
		return r
	}
	return RegionUnknown
}

// Partition returns the partition for a state. Unknown states go to 0.
func Partition(state string) int32 {
	return regionPartitions[ClassifyState(state)]
}
