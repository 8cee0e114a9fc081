package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/libraryops/internal/domain"
	"github.com/punchamoorthee/libraryops/internal/models"
	"github.com/punchamoorthee/libraryops/internal/service"
)

func (h *Handler) ListBooksHandler(w http.ResponseWriter, r *http.Request) {
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("includeDeleted"))
	books, err := h.catalog.ListBooks(r.Context(), includeDeleted)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if books == nil {
		books = []domain.Book{}
	}
	respondOK(w, http.StatusOK, "", books)
}

func (h *Handler) GetBookHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	book, err := h.catalog.GetBook(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", book)
}

func (h *Handler) CreateBookHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req models.CreateBookRequest
	if !h.decode(w, body, &req) {
		return
	}

	book, err := h.catalog.CreateBook(r.Context(), actorFrom(r), service.CreateBookInput{
		Title:         req.Title,
		Author:        req.Author,
		ISBN:          req.ISBN,
		Category:      req.Category,
		ShelfLocation: req.ShelfLocation,
		TotalCopies:   req.TotalCopies,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/books/"+book.ID.String())
	respondOK(w, http.StatusCreated, "Book created", book)
}

func (h *Handler) UpdateBookHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req models.UpdateBookRequest
	if !h.decode(w, body, &req) {
		return
	}

	book, err := h.catalog.UpdateBook(r.Context(), id, service.UpdateBookInput{
		Title:         req.Title,
		Author:        req.Author,
		ISBN:          req.ISBN,
		Category:      req.Category,
		ShelfLocation: req.ShelfLocation,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Book updated", book)
}

func (h *Handler) DeleteBookHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	book, err := h.catalog.DeleteBook(r.Context(), actorFrom(r), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Book deleted", book)
}

func (h *Handler) RestoreBookHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	book, err := h.catalog.RestoreBook(r.Context(), actorFrom(r), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Book restored", book)
}

func (h *Handler) AdjustStockHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req models.AdjustStockRequest
	if !h.decode(w, body, &req) {
		return
	}

	book, entry, err := h.catalog.AdjustStock(r.Context(), actorFrom(r), id, service.AdjustStockInput{
		Action:   domain.StockAction(req.Action),
		Quantity: req.Quantity,
		Reason:   domain.StockReason(req.Reason),
		Note:     req.Note,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Stock adjusted", map[string]any{"book": book, "entry": entry})
}

func (h *Handler) ListLedgerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.catalog.ListLedger(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.StockLedgerEntry{}
	}
	respondOK(w, http.StatusOK, "", entries)
}

func (h *Handler) RegisterStudentHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req models.RegisterStudentRequest
	if !h.decode(w, body, &req) {
		return
	}

	st, err := h.registry.RegisterStudent(r.Context(), service.RegisterStudentInput{
		StudentID:     req.StudentID,
		FirstName:     req.FirstName,
		MiddleName:    req.MiddleName,
		LastName:      req.LastName,
		ContactNumber: req.ContactNumber,
		Course:        req.Course,
		YearLevel:     req.YearLevel,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, "Student registered", st)
}

func (h *Handler) ListStudentsHandler(w http.ResponseWriter, r *http.Request) {
	students, err := h.registry.ListStudents(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if students == nil {
		students = []domain.Student{}
	}
	respondOK(w, http.StatusOK, "", students)
}

func (h *Handler) GetStudentHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.registry.GetStudent(r.Context(), mux.Vars(r)["studentId"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", st)
}

func (h *Handler) UpdateContactHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req models.UpdateContactRequest
	if !h.decode(w, body, &req) {
		return
	}

	st, err := h.registry.UpdateContact(r.Context(), mux.Vars(r)["studentId"], req.ContactNumber)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Contact number updated", st)
}
