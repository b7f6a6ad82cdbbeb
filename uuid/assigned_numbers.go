package uuid

// assignedNumbers is a small excerpt of the Bluetooth SIG assigned-numbers
// table: GATT services, characteristics, and descriptors expanded to their
// canonical 128-bit form (company identifiers are kept separately in
// CompanyIdentifiers below). It is intentionally
// not exhaustive; Register/RegisterString let callers extend it at runtime.
var assignedNumbers = map[UUID]string{
	MustNormalize("1800"): "Generic Access",
	MustNormalize("1801"): "Generic Attribute",
	MustNormalize("1802"): "Immediate Alert",
	MustNormalize("1803"): "Link Loss",
	MustNormalize("1804"): "Tx Power",
	MustNormalize("180a"): "Device Information",
	MustNormalize("180d"): "Heart Rate",
	MustNormalize("180f"): "Battery Service",
	MustNormalize("1809"): "Health Thermometer",
	MustNormalize("181a"): "Environmental Sensing",

	MustNormalize("2a00"): "Device Name",
	MustNormalize("2a01"): "Appearance",
	MustNormalize("2a19"): "Battery Level",
	MustNormalize("2a24"): "Model Number String",
	MustNormalize("2a25"): "Serial Number String",
	MustNormalize("2a26"): "Firmware Revision String",
	MustNormalize("2a27"): "Hardware Revision String",
	MustNormalize("2a28"): "Software Revision String",
	MustNormalize("2a29"): "Manufacturer Name String",
	MustNormalize("2a37"): "Heart Rate Measurement",
	MustNormalize("2a38"): "Body Sensor Location",
	MustNormalize("2a6e"): "Temperature",

	MustNormalize("2900"): "Characteristic Extended Properties",
	MustNormalize("2901"): "Characteristic User Description",
	MustNormalize("2902"): "Client Characteristic Configuration",
	MustNormalize("2903"): "Server Characteristic Configuration",
	MustNormalize("2904"): "Characteristic Presentation Format",
	MustNormalize("2905"): "Characteristic Aggregate Format",
}

// CompanyIdentifiers maps a handful of Bluetooth SIG company IDs (as found
// in manufacturer_data) to vendor names. Not a UUID table; kept alongside
// the UUID assigned-numbers table because both come from the same SIG
// registry and callers look both up when describing an advertisement.
var CompanyIdentifiers = map[uint16]string{
	0x004C: "Apple, Inc.",
	0x0006: "Microsoft",
	0x000F: "Broadcom Corporation",
	0x0075: "Samsung Electronics Co. Ltd.",
	0x00E0: "Google",
}
