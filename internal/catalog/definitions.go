package catalog

// The built-in table covers the register map shared by the Kronoterm
// KSM controller family. Addresses follow the vendor manual (1-based);
// the Modbus driver applies the wire offset. Cloud fields reference the
// jsoncgi page documents served by the vendor portal.
//
// 65535 and 64936 are the firmware's "probe not connected" markers and
// appear on every analogue input.

func bitIndex(n uint8) *uint8 { return &n }

var probeSentinels = []uint16{65535, 64936}

// Default returns the built-in Kronoterm register table.
func Default() (*Catalog, error) {
	return New(DefaultDefinitions())
}

// DefaultDefinitions returns the raw built-in table, primarily as the
// base layer for overlays.
func DefaultDefinitions() []Definition {
	return []Definition{
		// System state.
		{Address: 2000, Name: "working_function", Kind: KindEnum, Access: AccessRead,
			EnumLabels: map[uint16]string{0: "heating", 1: "dhw", 2: "cooling", 3: "pool_heating", 4: "thermal_disinfection", 5: "standby", 7: "remote_deactivation"},
			CloudGroup: "system", CloudKey: "SystemData.working_function"},
		{Address: 2001, Name: "error_state", Kind: KindEnum, Access: AccessRead,
			EnumLabels: map[uint16]string{0: "no_error", 1: "warning", 2: "error"},
			CloudGroup: "system", CloudKey: "SystemData.error_state"},
		{Address: 2002, Name: "operation_mode", Kind: KindEnum, Access: AccessReadWrite,
			EnumLabels: map[uint16]string{0: "comfort", 1: "auto", 2: "eco", 3: "off"},
			CloudGroup: "system", CloudKey: "SystemData.operation_mode"},
		{Address: 2006, Name: "alarm_active", Kind: KindBinary, Access: AccessRead,
			CloudGroup: "system", CloudKey: "SystemData.alarm"},
		{Address: 2007, Name: "working_regime", Kind: KindEnum, Access: AccessReadWrite,
			EnumLabels: map[uint16]string{0: "cooling", 1: "heating", 2: "off"},
			CloudGroup: "system", CloudKey: "SystemData.regime"},

		// Setpoints.
		{Address: 2023, Name: "dhw_setpoint", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessReadWrite,
			Sentinels: probeSentinels, CloudGroup: "dhw", CloudKey: "TapWater.desired_temp"},
		{Address: 2026, Name: "fast_water_heating", Kind: KindBinary, Access: AccessReadWrite,
			CloudGroup: "dhw", CloudKey: "TapWater.fast_heating"},
		{Address: 2031, Name: "dhw_circulation_enabled", Kind: KindBinary, Access: AccessReadWrite,
			CloudGroup: "dhw", CloudKey: "TapWater.circulation"},
		{Address: 2048, Name: "loop1_setpoint", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessReadWrite,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "HeatingLoop1.desired_temp"},
		{Address: 2049, Name: "loop2_setpoint", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessReadWrite,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "HeatingLoop2.desired_temp"},
		{Address: 2050, Name: "pool_setpoint", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessReadWrite,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "Pool.desired_temp"},
		{Address: 2051, Name: "reservoir_setpoint", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessReadWrite,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "Reservoir.desired_temp"},
		{Address: 2052, Name: "loop1_offset_eco", Kind: KindTemperature, Scale: 0.1, Unit: "K", Access: AccessReadWrite,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "HeatingLoop1.offset_eco"},
		{Address: 2053, Name: "loop1_offset_comfort", Kind: KindTemperature, Scale: 0.1, Unit: "K", Access: AccessReadWrite,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "HeatingLoop1.offset_comfort"},

		// Pump and source status bits.
		{Address: 2044, Name: "loop1_pump_running", Kind: KindBitmask, Bit: bitIndex(0), Access: AccessRead,
			CloudGroup: "loops", CloudKey: "HeatingLoop1.pump"},
		{Address: 2045, Name: "additional_source_active", Kind: KindBitmask, Bit: bitIndex(0), Access: AccessRead,
			CloudGroup: "advanced", CloudKey: "AlternativeSource.active"},
		{Address: 2046, Name: "loop2_pump_running", Kind: KindBitmask, Bit: bitIndex(0), Access: AccessRead,
			CloudGroup: "loops", CloudKey: "HeatingLoop2.pump"},
		{Address: 2047, Name: "dhw_circulation_running", Kind: KindBitmask, Bit: bitIndex(1), Access: AccessRead,
			CloudGroup: "dhw", CloudKey: "TapWater.circulation_pump"},
		{Address: 2055, Name: "compressor_running", Kind: KindBitmask, Bit: bitIndex(0), Access: AccessRead,
			CloudGroup: "system", CloudKey: "SystemData.compressor"},
		{Address: 2056, Name: "defrost_active", Kind: KindBitmask, Bit: bitIndex(2), Access: AccessRead,
			CloudGroup: "system", CloudKey: "SystemData.defrost"},

		// Operating counters.
		{Address: 2095, Name: "compressor_heating_hours", Kind: KindHours, Unit: "h", Access: AccessRead,
			CloudGroup: "advanced", CloudKey: "Counters.compressor_heating"},
		{Address: 2096, Name: "compressor_dhw_hours", Kind: KindHours, Unit: "h", Access: AccessRead,
			CloudGroup: "advanced", CloudKey: "Counters.compressor_dhw"},
		{Address: 2097, Name: "additional_source_hours", Kind: KindHours, Unit: "h", Access: AccessRead,
			CloudGroup: "advanced", CloudKey: "Counters.additional_source"},

		// Temperatures. 2102 is documented inconsistently in the vendor
		// manuals; on tested KSM firmware it carries the outdoor probe,
		// the DHW tank probe sits at 2103. An overlay can remap both.
		{Address: 2101, Name: "hp_outlet_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "temperatures", CloudKey: "Temperatures.hp_outlet"},
		{Address: 2102, Name: "outdoor_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "temperatures", CloudKey: "Temperatures.outdoor"},
		{Address: 2103, Name: "dhw_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "temperatures", CloudKey: "Temperatures.tap_water"},
		{Address: 2104, Name: "evaporating_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "temperatures", CloudKey: "Temperatures.evaporating"},
		{Address: 2105, Name: "compressor_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "temperatures", CloudKey: "Temperatures.compressor"},
		{Address: 2106, Name: "return_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "temperatures", CloudKey: "Temperatures.return_line"},
		{Address: 2109, Name: "system_pressure", Kind: KindPressure, Scale: 0.1, Unit: "bar", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "system", CloudKey: "SystemData.pressure"},
		{Address: 2110, Name: "hp_load", Kind: KindPercent, Unit: "%", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "system", CloudKey: "SystemData.load"},
		{Address: 2129, Name: "current_power", Kind: KindPower, Unit: "W", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Power.current_consumption"},
		{Address: 2130, Name: "loop1_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "HeatingLoop1.current_temp"},
		{Address: 2131, Name: "reservoir_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "Reservoir.current_temp"},
		{Address: 2160, Name: "loop2_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "HeatingLoop2.current_temp"},
		{Address: 2161, Name: "loop2_thermostat_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "HeatingLoop2.thermostat_temp"},
		{Address: 2162, Name: "pool_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "loops", CloudKey: "Pool.current_temp"},
		{Address: 2187, Name: "source_pressure", Kind: KindPressure, Scale: 0.1, Unit: "bar", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Source.pressure"},
		{Address: 2188, Name: "source_inlet_temp", Kind: KindTemperature, Scale: 0.1, Unit: "°C", Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Source.inlet_temp"},

		// Efficiency.
		{Address: 2325, Name: "cop", Kind: KindCOP, Scale: 0.01, Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Power.cop"},
		{Address: 2326, Name: "scop", Kind: KindCOP, Scale: 0.01, Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Power.scop"},

		// Cumulative energy, 32-bit spanning 2362/2363.
		{Address: 2362, Name: "electric_energy_total", Kind: KindComposite32, Unit: "Wh", Access: AccessRead,
			CloudGroup: "advanced", CloudKey: "Power.energy_total"},

		// Raw diagnostics.
		{Address: 2371, Name: "compressor_starts", Kind: KindRawUint16, Access: AccessRead,
			CloudGroup: "advanced", CloudKey: "Counters.compressor_starts"},
		{Address: 2372, Name: "inverter_frequency", Kind: KindSigned16, Unit: "Hz", Access: AccessRead,
			Sentinels: probeSentinels},

		// Installed-accessory flags. Older firmware leaves these probes
		// unconnected and they read as sentinel, so the feature deriver
		// falls back to heuristics.
		{Address: 2430, Name: "loop1_installed_flag", Kind: KindBinary, Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Installed.loop1"},
		{Address: 2431, Name: "loop2_installed_flag", Kind: KindBinary, Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Installed.loop2"},
		{Address: 2432, Name: "dhw_installed_flag", Kind: KindBinary, Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Installed.tap_water"},
		{Address: 2433, Name: "pool_installed_flag", Kind: KindBinary, Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Installed.pool"},
		{Address: 2434, Name: "reservoir_installed_flag", Kind: KindBinary, Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Installed.reservoir"},
		{Address: 2435, Name: "additional_source_installed_flag", Kind: KindBinary, Access: AccessRead,
			Sentinels: probeSentinels, CloudGroup: "advanced", CloudKey: "Installed.additional_source"},
	}
}
