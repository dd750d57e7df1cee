package models

// CandleMid holds the mid-price OHLC of a candle as decimal strings.
type CandleMid struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

// Candle is one historical bar from the broker candle endpoint.
type Candle struct {
	Time     string    `json:"time"`
	Volume   int64     `json:"volume"`
	Complete bool      `json:"complete"`
	Mid      CandleMid `json:"mid"`
}

// CandlesResponse is the broker's candle endpoint payload.
type CandlesResponse struct {
	Instrument  string   `json:"instrument"`
	Granularity string   `json:"granularity"`
	Candles     []Candle `json:"candles"`
}
