package hub

// Server → client messages. Every message carries a type tag so the web
// client can dispatch without sniffing fields.

type DataMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type TitleMessage struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

type PidMessage struct {
	Type string `json:"type"`
	Pid  int    `json:"pid"`
}

type ExitMessage struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is anything a client may send: terminal input or a resize.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}
