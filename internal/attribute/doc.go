// Package attribute models device attributes: per-attribute metadata,
// cached value and quality, alarm and warning bounds, and the association
// between a READ_WITH_WRITE attribute and the writable attribute whose last
// written value it echoes.
//
// MultiAttribute aggregates the attributes of one device. It resolves
// properties by precedence (device, then class, then coded user defaults,
// then built-in "not specified" sentinels), validates associated write
// wiring at construction, and scans alarm-enabled attributes in declared
// order.
//
// Values use plain Go types: a scalar double is a float64, a spectrum of
// shorts is a []int16. See DataType for the full mapping.
package attribute
