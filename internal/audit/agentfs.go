package audit

/*
Файл agentfs.go реализует компонент Agent File System — движок сбора и персистентности
журнала денежных решений (Audit Trail): решения Policy Engine, исходы переводов
и переходы автоматов эскроу, заданий и задач роя.

Ключевые особенности архитектуры:
- Non-blocking Logging: Использование неблокирующих каналов для передачи событий
  из Hot Path шлюза. Это гарантирует, что задержки записи в БД не влияют на Response Time.
- Batching & Efficiency: Накопление событий в памяти и пакетная запись (Bulk Insert)
  в PostgreSQL по таймеру или при достижении лимита (batchSize событий).
- Drain Pattern & Graceful Shutdown: Реализован механизм полной вычитки буфера
  при остановке сервиса. С помощью sync.WaitGroup и закрытия каналов гарантируется
  Final Flush — отсутствие потерь данных при перезагрузке системы.
- Reliability: Устойчивость к кратковременным сбоям БД за счет изоляции воркера
  и использования контекста Background для завершающих операций.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/engine"
)

const batchSize = 100

// StorageInterface определяет, куда физически будут сохраняться логи
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Auditor interface {
	Log(event AuditEvent)
}

// Nop — аудитор-заглушка для тестов и запуска без журнала
type Nop struct{}

func (Nop) Log(AuditEvent) {}

type AgentFS struct {
	ch      chan AuditEvent  // Буфер для асинхронности
	repo    StorageInterface // Интерфейс для Postgres
	logger  *zap.Logger
	metrics *engine.Metrics
	flush   time.Duration
	wg      sync.WaitGroup
	mu      sync.RWMutex // Log держит RLock, Stop закрывает канал под Lock
	// «Железобетонная» защита (Bulletproof) вдруго кто-то вызовет Log случайно после остановки,
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewAgentFS(repo StorageInterface, bufferSize int, flushInterval time.Duration, metrics *engine.Metrics, logger *zap.Logger) *AgentFS {
	if bufferSize <= 0 {
		bufferSize = 10000 // Очередь на 10к событий
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	fs := &AgentFS{
		ch:      make(chan AuditEvent, bufferSize),
		repo:    repo,
		logger:  logger.With(zap.String("mod", "agentfs")),
		metrics: metrics,
		flush:   flushInterval,
		wg:      sync.WaitGroup{},
	}
	return fs
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	// 1. Ставим флаг под эксклюзивной блокировкой: текущие Log успевают дописать
	fs.mu.Lock()
	if atomic.SwapInt32(&fs.isClosed, 1) == 1 {
		fs.mu.Unlock()
		return
	}

	// 2. Закрываем (Drain Pattern). Завершение горутины происходит исключительно через закрытие входного канала.
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch) // Новые события больше не принимаются.
	fs.mu.Unlock()

	fs.wg.Wait() // 3. Ждем, пока воркер вычитает остатки из канала и вызовет flush().
	fs.logger.Info("auditor stopped gracefully")
}

func (fs *AgentFS) Log(event AuditEvent) {
	// Убеждаемся, что таймстемп всегда проставлен
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	// Атомарно проверяем, не закрыт ли канал
	if atomic.LoadInt32(&fs.isClosed) == 1 {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	// используем стратегию Load Shedding (сброс нагрузки)
	select {
	case fs.ch <- event:
		fs.metrics.AuditBufferFill.Set(float64(len(fs.ch)))
	default:
		// Если канал переполнен (Backpressure), пишем в стандартный логгер
		// Чтобы не терять данные в критических ситуациях
		fs.logger.Error("audit_buffer_overflow",
			zap.String("entity", event.Entity),
			zap.String("entity_id", event.EntityID),
			zap.String("action", event.Action),
			zap.String("status", event.Status),
			zap.Uint64("amount", event.Amount),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEvent, 0, batchSize)
	ticker := time.NewTicker(fs.flush)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Используем Background, так как основной контекст может быть уже закрыт
			if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
				fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
			}
			batch = batch[:0]
			fs.metrics.AuditBufferFill.Set(float64(len(fs.ch)))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// КАНАЛ ЗАКРЫТ fs.ch в методе Stop() — это самодостаточный сигнал для завершения.
				// Он гарантирует, что воркер:
				//		Сначала вычитает всё, что осталось в очереди.
				//		Только потом получит ok == false.
				//		Вызовет финальный flush() и выйдет.
				flush() // Финальный сброс
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
