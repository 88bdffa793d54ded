package api

import (
	"errors"
	"net/http"
	"strconv"

	"streamchat/domain"
	"streamchat/store"

	"github.com/gin-gonic/gin"
)

type ConversationRequest struct {
	UserId int64  `json:"userId"`
	Title  string `json:"title"`
}

func (ctrl *Controller) CreateConversationHandler(c *gin.Context) {
	var req ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversation := domain.Conversation{
		UserId: req.UserId,
		Title:  req.Title,
	}
	if err := ctrl.storage.PersistConversation(c.Request.Context(), &conversation); err != nil {
		ctrl.ErrorHandler(c, http.StatusInternalServerError, errors.New("failed to create conversation"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}

func (ctrl *Controller) GetConversationsHandler(c *gin.Context) {
	userId, err := strconv.ParseInt(c.DefaultQuery("userId", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid userId"})
		return
	}

	conversations, err := ctrl.storage.GetConversations(c.Request.Context(), userId)
	if err != nil {
		ctrl.ErrorHandler(c, http.StatusInternalServerError, errors.New("failed to fetch conversations"))
		return
	}
	if conversations == nil {
		conversations = []domain.Conversation{}
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (ctrl *Controller) GetConversationHandler(c *gin.Context) {
	conversationId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation id"})
		return
	}

	conversation, err := ctrl.storage.GetConversation(c.Request.Context(), conversationId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		} else {
			ctrl.ErrorHandler(c, http.StatusInternalServerError, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}

type UpdateTitleRequest struct {
	Title string `json:"title"`
}

func (ctrl *Controller) UpdateConversationTitleHandler(c *gin.Context) {
	conversationId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation id"})
		return
	}

	var req UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := ctrl.storage.UpdateConversationTitle(c.Request.Context(), conversationId, req.Title); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		} else {
			ctrl.ErrorHandler(c, http.StatusInternalServerError, errors.New("failed to update conversation title"))
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Title updated"})
}

func (ctrl *Controller) DeleteConversationHandler(c *gin.Context) {
	conversationId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation id"})
		return
	}

	// Any live stream dies with its conversation.
	ctrl.emitters.Close(conversationId)

	if err := ctrl.storage.DeleteConversation(c.Request.Context(), conversationId); err != nil {
		ctrl.ErrorHandler(c, http.StatusInternalServerError, errors.New("failed to delete conversation"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted"})
}

func (ctrl *Controller) GetMessagesHandler(c *gin.Context) {
	conversationId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation id"})
		return
	}

	messages, err := ctrl.storage.GetMessages(c.Request.Context(), conversationId)
	if err != nil {
		ctrl.ErrorHandler(c, http.StatusInternalServerError, errors.New("failed to fetch messages"))
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
