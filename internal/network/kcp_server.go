package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"

	"github.com/annel0/voxel-world/internal/logging"
	"github.com/annel0/voxel-world/internal/protocol"
	"github.com/annel0/voxel-world/internal/vec"
)

// SessionHandler получает разобранные сообщения клиентов.
// Вызовы идут из горутин сессий; реализация обязана быть потокобезопасной.
type SessionHandler interface {
	OnHello(viewerID string, pos vec.Vec3Float)
	OnMove(viewerID string, pos vec.Vec3Float)
	OnEdit(viewerID string, cubePos vec.Vec3, index uint16, value uint16)
	OnBye(viewerID string)
}

// KCPServer принимает клиентов по KCP (надёжный UDP) и реализует
// sync.Transport: кадры синхронизации уходят в сессию зрителя.
// Кадрирование потока: [uint32 длина][тело], little-endian.
type KCPServer struct {
	addr    string
	handler SessionHandler
	logger  *logging.Logger

	listener *kcp.Listener

	mu       sync.RWMutex
	sessions map[string]*kcpSession // viewerID → сессия после hello

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type kcpSession struct {
	conn     *kcp.UDPSession
	viewerID string
	writeMu  sync.Mutex
}

// NewKCPServer создаёт сервер; Listen нужно вызвать отдельно
func NewKCPServer(addr string, handler SessionHandler) *KCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &KCPServer{
		addr:     addr,
		handler:  handler,
		logger:   logging.NewConsoleLogger("network"),
		sessions: make(map[string]*kcpSession),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetLogger заменяет логгер (консольный по умолчанию)
func (s *KCPServer) SetLogger(l *logging.Logger) {
	s.logger = l
}

// Listen открывает KCP-листенер и запускает приём соединений
func (s *KCPServer) Listen() error {
	listener, err := kcp.ListenWithOptions(s.addr, nil, 10, 3)
	if err != nil {
		return fmt.Errorf("kcp listen %s: %w", s.addr, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("KCP сервер слушает %s", s.addr)
	return nil
}

func (s *KCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.AcceptKCP()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn("Accept не удался: %v", err)
				continue
			}
		}

		// Настройки KCP под игровой трафик
		conn.SetStreamMode(true)
		conn.SetWriteDelay(false)
		conn.SetNoDelay(1, 20, 2, 1)
		conn.SetWindowSize(512, 512)
		conn.SetMtu(1400)

		s.wg.Add(1)
		go s.serveSession(conn)
	}
}

// serveSession читает сообщения клиента до отключения.
// Первым сообщением обязан прийти hello; до него кадры зрителю не шлются.
func (s *KCPServer) serveSession(conn *kcp.UDPSession) {
	defer s.wg.Done()

	sess := &kcpSession{conn: conn}
	defer s.dropSession(sess)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		payload, err := readFrame(conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if err != io.EOF {
				s.logger.Debug("Сессия %s закрыта: %v", conn.RemoteAddr(), err)
			}
			return
		}

		typ, msg, err := protocol.DecodeClientMsg(payload)
		if err != nil {
			s.logger.Warn("Нечитаемое сообщение от %s: %v", conn.RemoteAddr(), err)
			continue
		}

		switch typ {
		case protocol.ClientHello:
			hello := msg.(*protocol.HelloMsg)
			s.registerSession(sess, hello.ViewerID)
			s.handler.OnHello(hello.ViewerID, hello.Pos)
		case protocol.ClientMove:
			if sess.viewerID == "" {
				continue // До hello позицию некому приписать
			}
			s.handler.OnMove(sess.viewerID, msg.(*protocol.MoveMsg).Pos)
		case protocol.ClientEdit:
			if sess.viewerID == "" {
				continue
			}
			edit := msg.(*protocol.EditMsg)
			s.handler.OnEdit(sess.viewerID, edit.CubePos, edit.Index, edit.Value)
		case protocol.ClientBye:
			return
		}
	}
}

func (s *KCPServer) registerSession(sess *kcpSession, viewerID string) {
	s.mu.Lock()
	// Повторный hello с тем же ID вытесняет старую сессию
	if old, ok := s.sessions[viewerID]; ok && old != sess {
		_ = old.conn.Close()
	}
	sess.viewerID = viewerID
	s.sessions[viewerID] = sess
	s.mu.Unlock()

	s.logger.Info("Зритель %s: сессия %s", viewerID, sess.conn.RemoteAddr())
}

func (s *KCPServer) dropSession(sess *kcpSession) {
	_ = sess.conn.Close()
	if sess.viewerID == "" {
		return
	}

	s.mu.Lock()
	if current, ok := s.sessions[sess.viewerID]; ok && current == sess {
		delete(s.sessions, sess.viewerID)
	}
	s.mu.Unlock()

	s.handler.OnBye(sess.viewerID)
}

// Send реализует sync.Transport: кадр уходит в сессию зрителя
func (s *KCPServer) Send(viewerID string, frame []byte) error {
	s.mu.RLock()
	sess, ok := s.sessions[viewerID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("viewer %s has no session", viewerID)
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(frame)))
	if _, err := sess.conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := sess.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close останавливает листенер и закрывает все сессии
func (s *KCPServer) Close() error {
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// readFrame читает одно кадрированное сообщение из потока
func readFrame(conn *kcp.UDPSession) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header)
	if length > protocol.MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit", length)
	}

	// Тело дочитываем без таймаута между заголовком и хвостом
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
