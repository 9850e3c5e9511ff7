// Package disco holds the service-discovery feature set advertised by every
// connection and the disco#info payload types used to answer queries.
package disco

import (
	"encoding/xml"
	"sort"
)

// Feature namespaces this component advertises or understands.
const (
	FeatureDiscoInfo Feature = "http://jabber.org/protocol/disco#info"
	FeatureMUC       Feature = "http://jabber.org/protocol/muc"
	FeaturePing      Feature = "urn:xmpp:ping"
)

// Feature is a disco#info feature string.
type Feature string

// Identity is a disco#info identity element.
type Identity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr,omitempty"`
}

// InfoQuery is the disco#info query payload of a result IQ.
type InfoQuery struct {
	XMLName    xml.Name       `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string         `xml:"node,attr,omitempty"`
	Identities []Identity     `xml:"identity"`
	Features   []FeatureField `xml:"feature"`
}

// FeatureField is a single feature element inside a disco#info query.
type FeatureField struct {
	Var string `xml:"var,attr"`
}

// Features is the set of feature strings advertised by every connection.
// The set is fixed once constructed.
type Features struct {
	set  map[Feature]struct{}
	list []Feature
}

// NewFeatures builds a feature set from the given strings plus the features
// the component always supports (disco#info, MUC, ping).
func NewFeatures(features ...Feature) *Features {
	f := &Features{set: make(map[Feature]struct{})}
	for _, feat := range append([]Feature{FeatureDiscoInfo, FeatureMUC, FeaturePing}, features...) {
		if feat == "" {
			continue
		}
		if _, ok := f.set[feat]; ok {
			continue
		}
		f.set[feat] = struct{}{}
		f.list = append(f.list, feat)
	}
	sort.Slice(f.list, func(i, j int) bool { return f.list[i] < f.list[j] })
	return f
}

// Contains reports whether the feature is advertised.
func (f *Features) Contains(feat Feature) bool {
	_, ok := f.set[feat]
	return ok
}

// All returns the advertised features in sorted order.
func (f *Features) All() []Feature {
	out := make([]Feature, len(f.list))
	copy(out, f.list)
	return out
}

// InfoQuery builds the disco#info result payload for this feature set.
func (f *Features) InfoQuery(identity Identity) InfoQuery {
	q := InfoQuery{Identities: []Identity{identity}}
	for _, feat := range f.list {
		q.Features = append(q.Features, FeatureField{Var: string(feat)})
	}
	return q
}
