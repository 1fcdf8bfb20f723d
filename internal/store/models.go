package store

// SerialParams holds the serial link settings of the modem.
type SerialParams struct {
	Port  string `json:"port"`
	Speed int    `json:"speed"`
}

// WirelessParams holds the SWAP network settings of the gateway modem.
// Password is hidden from API/JSON serialization via json:"-".
type WirelessParams struct {
	Channel       uint8  `json:"channel"`
	NetworkID     uint16 `json:"network_id"`
	DeviceAddress uint8  `json:"device_address"`
	Security      uint8  `json:"security"`
	Password      string `json:"-"`
}

// wirelessParamsStorage is the internal struct used for DB serialization,
// preserving the password on disk.
type wirelessParamsStorage struct {
	Channel       uint8  `json:"channel"`
	NetworkID     uint16 `json:"network_id"`
	DeviceAddress uint8  `json:"device_address"`
	Security      uint8  `json:"security"`
	Password      string `json:"password,omitempty"`
}

func (p *WirelessParams) storage() wirelessParamsStorage {
	return wirelessParamsStorage{
		Channel:       p.Channel,
		NetworkID:     p.NetworkID,
		DeviceAddress: p.DeviceAddress,
		Security:      p.Security,
		Password:      p.Password,
	}
}

func (st wirelessParamsStorage) params() *WirelessParams {
	return &WirelessParams{
		Channel:       st.Channel,
		NetworkID:     st.NetworkID,
		DeviceAddress: st.DeviceAddress,
		Security:      st.Security,
		Password:      st.Password,
	}
}
