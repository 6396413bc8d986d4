package domain

// Dashboard — сводка организации для консоли оператора
type Dashboard struct {
	Escrows   EscrowStats   `json:"escrows"`   // Средства под удержанием
	Jobs      JobStats      `json:"jobs"`      // Заказы ACP по фазам
	Transfers TransferStats `json:"transfers"` // Переводы за последний час
	Quality   QualityStats  `json:"quality"`   // SLO/SLI (Latency)
}

type EscrowStats struct {
	Open     int    `json:"open"`     // created + funded
	Disputed int    `json:"disputed"` // ждут арбитра
	Locked   uint64 `json:"locked"`   // сумма funded и disputed
}

type JobStats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Disputed  int `json:"disputed"`
}

type TransferStats struct {
	Total     int64   `json:"total"`
	Failed    int64   `json:"failed"`
	Unsettled int64   `json:"unsettled"` // pending + unknown, ждут сверки
	Denied    int64   `json:"denied"`    // отказы политик по журналу
	RPS       float64 `json:"rps"`
}

type QualityStats struct {
	P95Latency float64 `json:"p95_latency_ms"`
}
